package ner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// WordPieceTokenizer implements the BERT basic + WordPiece tokenization needed
// for token classification, keeping byte offsets into the original text.
type WordPieceTokenizer struct {
	vocab        map[string]int64
	lowerCase    bool
	clsID        int64
	sepID        int64
	padID        int64
	unkID        int64
	continuation string
	maxWordBytes int
}

// tokenPiece is one subword with its byte span in the source text. word is
// the index of the pre-tokenized word it belongs to.
type tokenPiece struct {
	id    int64
	start int
	end   int
	word  int
}

type tokenOffset struct {
	Start int
	End   int
}

type wordSpan struct {
	Text  string
	Start int
	End   int
}

// LoadWordPieceTokenizer builds the tokenizer from vocab.txt.
func LoadWordPieceTokenizer(path string, lowerCase bool) (*WordPieceTokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close()

	vocab := make(map[string]int64)
	sc := bufio.NewScanner(f)
	var idx int64
	for sc.Scan() {
		token := strings.TrimSpace(sc.Text())
		if token == "" {
			continue
		}
		vocab[token] = idx
		idx++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan vocab: %w", err)
	}
	return newWordPieceTokenizer(vocab, lowerCase), nil
}

func newWordPieceTokenizer(vocab map[string]int64, lowerCase bool) *WordPieceTokenizer {
	return &WordPieceTokenizer{
		vocab:        vocab,
		lowerCase:    lowerCase,
		continuation: "##",
		clsID:        vocab["[CLS]"],
		sepID:        vocab["[SEP]"],
		padID:        vocab["[PAD]"],
		unkID:        vocab["[UNK]"],
		maxWordBytes: 200,
	}
}

// LoadTokenizerFromDir loads vocab.txt from dir (or dir/tokenizer). Lower
// casing follows do_lower_case in tokenizer_config.json and defaults to true.
func LoadTokenizerFromDir(dir string) (*WordPieceTokenizer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("tokenizer dir is empty")
	}
	lowerCase := true
	for _, p := range []string{
		filepath.Join(dir, "tokenizer_config.json"),
		filepath.Join(dir, "tokenizer", "tokenizer_config.json"),
	} {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var cfg struct {
			DoLowerCase *bool `json:"do_lower_case"`
		}
		if err := json.Unmarshal(data, &cfg); err == nil && cfg.DoLowerCase != nil {
			lowerCase = *cfg.DoLowerCase
		}
		break
	}

	for _, path := range []string{
		filepath.Join(dir, "vocab.txt"),
		filepath.Join(dir, "tokenizer", "vocab.txt"),
	} {
		if _, err := os.Stat(path); err == nil {
			return LoadWordPieceTokenizer(path, lowerCase)
		}
	}
	return nil, fmt.Errorf("tokenizer assets not found (vocab.txt)")
}

// Tokenize splits text into subword pieces with absolute byte offsets.
func (t *WordPieceTokenizer) Tokenize(text string) []tokenPiece {
	words := splitWordsWithOffsets(text)
	pieces := make([]tokenPiece, 0, len(words))
	for wi, w := range words {
		token := w.Text
		if t.lowerCase {
			token = strings.ToLower(token)
		}
		// Lower casing can change byte length (e.g. some Unicode letters);
		// fall back to whole-word offsets in that case.
		sameLen := len(token) == len(w.Text)
		for _, p := range t.wordPieceOffsets(token) {
			start, end := w.Start+p.start, w.Start+p.end
			if !sameLen {
				start, end = w.Start, w.End
			}
			pieces = append(pieces, tokenPiece{id: p.id, start: start, end: end, word: wi})
		}
	}
	return pieces
}

// Encode packs pieces into a [CLS] ... [SEP] sequence of exactly seqLen ids
// with attention mask and offsets. Pieces beyond seqLen-2 are dropped; the
// caller windows long inputs.
func (t *WordPieceTokenizer) Encode(pieces []tokenPiece, seqLen int) ([]int64, []int64, []tokenOffset) {
	if seqLen <= 2 {
		return nil, nil, nil
	}
	if len(pieces) > seqLen-2 {
		pieces = pieces[:seqLen-2]
	}

	ids := make([]int64, seqLen)
	attn := make([]int64, seqLen)
	offsets := make([]tokenOffset, seqLen)
	for i := range offsets {
		offsets[i] = tokenOffset{Start: -1, End: -1}
		ids[i] = t.padID
	}

	ids[0], attn[0] = t.clsID, 1
	pos := 1
	for _, p := range pieces {
		ids[pos] = p.id
		attn[pos] = 1
		offsets[pos] = tokenOffset{Start: p.start, End: p.end}
		pos++
	}
	ids[pos], attn[pos] = t.sepID, 1
	return ids, attn, offsets
}

type wordPieceOffset struct {
	id    int64
	start int
	end   int
}

func (t *WordPieceTokenizer) wordPieceOffsets(token string) []wordPieceOffset {
	if id, ok := t.vocab[token]; ok {
		return []wordPieceOffset{{id: id, start: 0, end: len(token)}}
	}
	if t.maxWordBytes > 0 && len(token) > t.maxWordBytes {
		return []wordPieceOffset{{id: t.unkID, start: 0, end: len(token)}}
	}

	var pieces []wordPieceOffset
	start := 0
	for start < len(token) {
		end := len(token)
		found := false
		for end > start {
			sub := token[start:end]
			if start > 0 {
				sub = t.continuation + sub
			}
			if id, ok := t.vocab[sub]; ok {
				pieces = append(pieces, wordPieceOffset{id: id, start: start, end: end})
				start = end
				found = true
				break
			}
			end--
		}
		if !found {
			return []wordPieceOffset{{id: t.unkID, start: 0, end: len(token)}}
		}
	}
	if len(pieces) == 0 {
		return []wordPieceOffset{{id: t.unkID, start: 0, end: len(token)}}
	}
	return pieces
}

// splitWordsWithOffsets splits on whitespace and isolates punctuation, like
// the BERT basic tokenizer.
func splitWordsWithOffsets(text string) []wordSpan {
	if text == "" {
		return nil
	}
	var spans []wordSpan
	start := -1
	flush := func(end int) {
		if start >= 0 {
			spans = append(spans, wordSpan{Text: text[start:end], Start: start, End: end})
			start = -1
		}
	}
	for idx, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush(idx)
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush(idx)
			_, size := utf8.DecodeRuneInString(text[idx:])
			end := idx + size
			spans = append(spans, wordSpan{Text: text[idx:end], Start: idx, End: end})
		default:
			if start < 0 {
				start = idx
			}
		}
	}
	flush(len(text))
	return spans
}
