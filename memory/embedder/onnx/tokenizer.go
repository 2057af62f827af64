package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Tokenizer implements lower-cased BERT WordPiece tokenization from a
// Hugging Face tokenizer.json vocabulary.
type Tokenizer struct {
	vocab    map[string]int64
	clsToken int64
	sepToken int64
	unkToken int64
}

// LoadTokenizer reads the vocabulary of a tokenizer.json file.
func LoadTokenizer(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file struct {
		Model struct {
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tokenizer: %w", err)
	}
	return NewTokenizer(file.Model.Vocab), nil
}

// NewTokenizer builds a tokenizer over vocab. Special tokens fall back to
// the standard BERT ids when absent from vocab.
func NewTokenizer(vocab map[string]int64) *Tokenizer {
	lookup := func(tok string, fallback int64) int64 {
		if id, ok := vocab[tok]; ok {
			return id
		}
		return fallback
	}
	return &Tokenizer{
		vocab:    vocab,
		clsToken: lookup("[CLS]", 101),
		sepToken: lookup("[SEP]", 102),
		unkToken: lookup("[UNK]", 100),
	}
}

// Tokenize converts text to token IDs.
func (t *Tokenizer) Tokenize(text string) []int64 {
	var tokens []int64
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]")
		if word == "" {
			continue
		}
		if id, ok := t.vocab[word]; ok {
			tokens = append(tokens, id)
			continue
		}
		tokens = append(tokens, t.wordPiece(word)...)
	}
	return tokens
}

// wordPiece splits word greedily into the longest known prefixes, marking
// continuations with "##".
func (t *Tokenizer) wordPiece(word string) []int64 {
	var ids []int64
	for start := 0; start < len(word); {
		end := len(word)
		matched := false
		for ; end > start; end-- {
			piece := word[start:end]
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := t.vocab[piece]; ok {
				ids = append(ids, id)
				matched = true
				break
			}
		}
		if !matched {
			ids = append(ids, t.unkToken)
			end = start + 1
		}
		start = end
	}
	return ids
}
