package tokenizer

import (
	"os"
	"path/filepath"
	"testing"
)

func testVocab() map[string]int {
	return map[string]int{
		"h": 0, "e": 1, "l": 2, "o": 3, "Ġ": 4,
		"he": 5, "ll": 6, "hell": 7, "hello": 8,
		EndOfText: 9,
	}
}

func testMerges() []string {
	return []string{"#version: 0.2", "h e", "l l", "he ll", "hell o"}
}

func testTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	tok, err := New(testVocab(), testMerges())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tok
}

func TestEncodeMergesGreedily(t *testing.T) {
	tok := testTokenizer(t)

	ids, err := tok.Encode("hello hello")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// "hello" merges to one token; " hello" keeps the space byte separate.
	want := []int{8, 4, 8}
	if len(ids) != len(want) {
		t.Fatalf("Encode = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("Encode = %v, want %v", ids, want)
		}
	}
}

func TestEncodeSpecialToken(t *testing.T) {
	tok := testTokenizer(t)

	ids, err := tok.Encode("hello" + EndOfText)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(ids) != 2 || ids[0] != 8 || ids[1] != tok.EOSID() {
		t.Fatalf("Encode = %v, want [8 %d]", ids, tok.EOSID())
	}
	if tok.EOSID() != 9 {
		t.Fatalf("EOSID = %d, want 9", tok.EOSID())
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	tok := testTokenizer(t)

	text := "hello hello" + EndOfText
	ids, err := tok.Encode(text)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := tok.Decode(ids)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != text {
		t.Fatalf("round trip = %q, want %q", got, text)
	}
}

func TestDecodeRestoresBytes(t *testing.T) {
	tok := testTokenizer(t)
	got, err := tok.Decode([]int{4})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != " " {
		t.Fatalf("Decode(Ġ) = %q, want a space", got)
	}
}

func TestDecodeRejectsOutOfRange(t *testing.T) {
	tok := testTokenizer(t)
	if _, err := tok.Decode([]int{99}); err == nil {
		t.Fatal("expected error for out-of-range id")
	}
	if _, err := tok.Decode([]int{-1}); err == nil {
		t.Fatal("expected error for negative id")
	}
}

func TestEncodeUnknownToken(t *testing.T) {
	tok := testTokenizer(t)
	if _, err := tok.Encode("zebra"); err == nil {
		t.Fatal("expected error for characters outside the vocabulary")
	}
}

func TestNewRequiresEndOfText(t *testing.T) {
	vocab := testVocab()
	delete(vocab, EndOfText)
	if _, err := New(vocab, testMerges()); err == nil {
		t.Fatal("expected error for vocabulary without the end-of-text token")
	}
}

func TestLoadFromFiles(t *testing.T) {
	dir := t.TempDir()
	vocabPath := filepath.Join(dir, "vocab.json")
	mergesPath := filepath.Join(dir, "merges.txt")

	vocabJSON := `{"h":0,"e":1,"l":2,"o":3,"Ġ":4,"he":5,"ll":6,"hell":7,"hello":8,"<|endoftext|>":9}`
	if err := os.WriteFile(vocabPath, []byte(vocabJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	merges := "#version: 0.2\nh e\nl l\nhe ll\nhell o\n"
	if err := os.WriteFile(mergesPath, []byte(merges), 0o644); err != nil {
		t.Fatal(err)
	}

	tok, err := Load(vocabPath, mergesPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tok.VocabSize() != 10 {
		t.Fatalf("VocabSize = %d, want 10", tok.VocabSize())
	}
	ids, err := tok.Encode("hello")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(ids) != 1 || ids[0] != 8 {
		t.Fatalf("Encode = %v, want [8]", ids)
	}

	if _, err := Load(filepath.Join(dir, "missing.json"), mergesPath); err == nil {
		t.Fatal("expected error for missing vocabulary file")
	}
}
