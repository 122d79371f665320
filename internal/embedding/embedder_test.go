package embedding

import (
	"context"
	"math"
	"testing"
)

func TestDeterministicEmbedding_Repeatable(t *testing.T) {
	first := DeterministicEmbedding("func main() {}")
	second := DeterministicEmbedding("func main() {}")

	if len(first) != FallbackDimension {
		t.Fatalf("Expected dimension %d, got %d", FallbackDimension, len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("Vectors differ at index %d: %v vs %v", i, first[i], second[i])
		}
	}
}

func TestDeterministicEmbedding_DistinctInputs(t *testing.T) {
	a := DeterministicEmbedding("alpha")
	b := DeterministicEmbedding("beta")

	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("Different texts produced identical vectors")
	}
}

func TestDeterministicEmbedding_UnitNorm(t *testing.T) {
	vector := DeterministicEmbedding("normalize me")

	var sumSquares float64
	for _, v := range vector {
		sumSquares += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSquares)

	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("Expected unit norm, got %v", norm)
	}
}

func TestClient_FallbackWithoutAPIKey(t *testing.T) {
	client := NewClient(Config{})

	if client.IsConfigured() {
		t.Error("Client without API key should not report configured")
	}
	if client.Dimension() != FallbackDimension {
		t.Errorf("Expected fallback dimension %d, got %d", FallbackDimension, client.Dimension())
	}

	vector, err := client.EmbedText(context.Background(), "hello")
	if err != nil {
		t.Fatalf("EmbedText failed: %v", err)
	}
	if len(vector) != FallbackDimension {
		t.Errorf("Expected %d-dim vector, got %d", FallbackDimension, len(vector))
	}

	expected := DeterministicEmbedding("hello")
	for i := range vector {
		if vector[i] != expected[i] {
			t.Fatal("Fallback EmbedText diverged from DeterministicEmbedding")
		}
	}
}

func TestClient_HostedDimension(t *testing.T) {
	client := NewClient(Config{APIKey: "sk-test"})

	if !client.IsConfigured() {
		t.Error("Client with API key should report configured")
	}
	if client.Dimension() != HostedDimension {
		t.Errorf("Expected hosted dimension %d, got %d", HostedDimension, client.Dimension())
	}
}

func TestClient_EmbedTextsPreservesOrder(t *testing.T) {
	client := NewClient(Config{})
	texts := []string{"one", "two", "three"}

	vectors, err := client.EmbedTexts(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedTexts failed: %v", err)
	}
	if len(vectors) != len(texts) {
		t.Fatalf("Expected %d vectors, got %d", len(texts), len(vectors))
	}

	for i, text := range texts {
		expected := DeterministicEmbedding(text)
		if vectors[i][0] != expected[0] {
			t.Errorf("Vector %d does not match its input text", i)
		}
	}
}
