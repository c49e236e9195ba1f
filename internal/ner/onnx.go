package ner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/straja-ai/lexanon/internal/redact"
)

const (
	defaultSeqLen       = 256
	defaultIntraThreads = 1
	defaultInterThreads = 1
)

// ONNXConfig configures a local token-classification model.
type ONNXConfig struct {
	// ModelDir holds model.onnx (or model.int8.onnx), config.json with
	// id2label, and vocab.txt.
	ModelDir string
	// SharedLibraryPath overrides discovery of the onnxruntime library.
	SharedLibraryPath string
	SeqLen            int
	IntraThreads      int
	InterThreads      int
	PoolSize          int
}

// ONNXOracle runs a BIO token-classification model through onnxruntime.
// Sessions are pooled; each Recognize call borrows one per window.
type ONNXOracle struct {
	tokenizer *WordPieceTokenizer
	labels    []string
	seqLen    int
	sessions  chan *onnxSession
}

type onnxSession struct {
	session       *ort.AdvancedSession
	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	tokenTypeIDs  *ort.Tensor[int64]
	output        *ort.Tensor[float32]
}

type modelMeta struct {
	Labels            []string
	RequiresTokenType bool
}

// LoadONNX initializes onnxruntime and builds the session pool.
func LoadONNX(cfg ONNXConfig) (*ONNXOracle, error) {
	if strings.TrimSpace(cfg.ModelDir) == "" {
		return nil, errors.New("ner onnx: model_dir is empty")
	}
	seqLen := cfg.SeqLen
	if seqLen <= 2 {
		seqLen = defaultSeqLen
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	intraThr := cfg.IntraThreads
	if intraThr <= 0 {
		intraThr = defaultIntraThreads
	}
	interThr := cfg.InterThreads
	if interThr <= 0 {
		interThr = defaultInterThreads
	}

	libPath := strings.TrimSpace(cfg.SharedLibraryPath)
	if libPath == "" {
		libPath = resolveSharedLibraryPath(cfg.ModelDir)
	}
	if libPath == "" {
		return nil, fmt.Errorf("ner onnx: onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime")
	}
	ort.SetSharedLibraryPath(libPath)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("ner onnx: initialize onnxruntime: %w", err)
		}
	}

	modelPath := resolveModelPath(cfg.ModelDir)
	if modelPath == "" {
		return nil, fmt.Errorf("ner onnx: no model.onnx in %s", cfg.ModelDir)
	}
	tokenizer, err := LoadTokenizerFromDir(cfg.ModelDir)
	if err != nil {
		return nil, fmt.Errorf("ner onnx: load tokenizer: %w", err)
	}
	meta, err := loadModelMeta(cfg.ModelDir)
	if err != nil {
		return nil, fmt.Errorf("ner onnx: load config: %w", err)
	}
	if len(meta.Labels) == 0 {
		return nil, errors.New("ner onnx: model config has no token labels")
	}
	outputName, outputDims, err := selectOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("ner onnx: output selection: %w", err)
	}

	sessions := make(chan *onnxSession, poolSize)
	for i := 0; i < poolSize; i++ {
		ss, err := newONNXSession(modelPath, seqLen, len(meta.Labels), outputDims, intraThr, interThr, meta.RequiresTokenType, outputName)
		if err != nil {
			return nil, fmt.Errorf("ner onnx: create session %d/%d: %w", i+1, poolSize, err)
		}
		sessions <- ss
	}

	redact.Logf("ner onnx: loaded %s labels=%d seq_len=%d pool=%d", filepath.Base(modelPath), len(meta.Labels), seqLen, poolSize)
	return &ONNXOracle{
		tokenizer: tokenizer,
		labels:    meta.Labels,
		seqLen:    seqLen,
		sessions:  sessions,
	}, nil
}

// Recognize implements Oracle. Long inputs are split into windows of at most
// seqLen-2 subword tokens, cut on word boundaries.
func (o *ONNXOracle) Recognize(ctx context.Context, text string) ([]Span, error) {
	if o == nil || o.sessions == nil {
		return nil, fmt.Errorf("%w: onnx model not initialized", ErrUnavailable)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var spans []Span
	for _, window := range windowPieces(o.tokenizer.Tokenize(text), o.seqLen-2) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		got, err := o.runWindow(ctx, window)
		if err != nil {
			return nil, err
		}
		spans = append(spans, got...)
	}
	return mergeSpans(spans), nil
}

// Close releases the onnxruntime sessions.
func (o *ONNXOracle) Close() {
	if o == nil || o.sessions == nil {
		return
	}
	for i := 0; i < cap(o.sessions); i++ {
		ss := <-o.sessions
		ss.destroy()
	}
	o.sessions = nil
}

func (o *ONNXOracle) runWindow(ctx context.Context, window []tokenPiece) ([]Span, error) {
	var ss *onnxSession
	select {
	case ss = <-o.sessions:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { o.sessions <- ss }()

	inputIDs, attn, offsets := o.tokenizer.Encode(window, o.seqLen)
	copy(ss.inputIDs.GetData(), inputIDs)
	copy(ss.attentionMask.GetData(), attn)
	if ss.tokenTypeIDs != nil {
		tokenTypes := ss.tokenTypeIDs.GetData()
		for i := range tokenTypes {
			tokenTypes[i] = 0
		}
	}

	if err := ss.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: onnx run: %v", ErrUnavailable, err)
	}

	labels, scores := decodeLogits(ss.output.GetData(), len(offsets), o.labels)
	return spansFromTokenLabels(labels, scores, offsets), nil
}

// windowPieces groups pieces into windows of at most size pieces without
// splitting a word, unless a single word is longer than the window.
func windowPieces(pieces []tokenPiece, size int) [][]tokenPiece {
	if len(pieces) == 0 || size <= 0 {
		return nil
	}
	var windows [][]tokenPiece
	for len(pieces) > 0 {
		if len(pieces) <= size {
			windows = append(windows, pieces)
			break
		}
		cut := size
		for cut > 0 && pieces[cut].word == pieces[cut-1].word {
			cut--
		}
		if cut == 0 {
			cut = size
		}
		windows = append(windows, pieces[:cut])
		pieces = pieces[cut:]
	}
	return windows
}

// decodeLogits takes the argmax label per token and its softmax probability.
func decodeLogits(logits []float32, tokens int, labelSet []string) ([]string, []float64) {
	numLabels := len(labelSet)
	labels := make([]string, tokens)
	scores := make([]float64, tokens)
	if numLabels == 0 {
		return labels, scores
	}
	for i := 0; i < tokens; i++ {
		base := i * numLabels
		if base+numLabels > len(logits) {
			break
		}
		row := logits[base : base+numLabels]
		best := 0
		for j := range row {
			if row[j] > row[best] {
				best = j
			}
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v - row[best]))
		}
		labels[i] = labelSet[best]
		scores[i] = 1 / sum
	}
	return labels, scores
}

// spansFromTokenLabels folds BIO token labels into entity spans. Continuation
// tokens of a different type start a new span. The span score is the mean
// token probability.
func spansFromTokenLabels(labels []string, scores []float64, offsets []tokenOffset) []Span {
	var spans []Span
	var cur *Span
	var n int
	flush := func() {
		if cur != nil {
			cur.Score /= float64(n)
			spans = append(spans, *cur)
			cur, n = nil, 0
		}
	}

	for i, lbl := range labels {
		if i >= len(offsets) {
			break
		}
		offset := offsets[i]
		if offset.Start < 0 || offset.End <= offset.Start {
			continue
		}
		prefix, typ := splitLabel(lbl)
		if typ == "" || strings.EqualFold(lbl, "O") {
			flush()
			continue
		}
		score := 0.0
		if i < len(scores) {
			score = scores[i]
		}
		if prefix == "B" || cur == nil || !strings.EqualFold(cur.Label, typ) {
			flush()
			cur = &Span{Start: offset.Start, End: offset.End, Label: strings.ToUpper(typ), Score: score}
			n = 1
			continue
		}
		if offset.End > cur.End {
			cur.End = offset.End
		}
		cur.Score += score
		n++
	}
	flush()
	return spans
}

func splitLabel(lbl string) (string, string) {
	lbl = strings.TrimSpace(lbl)
	if lbl == "" {
		return "", ""
	}
	parts := strings.SplitN(lbl, "-", 2)
	if len(parts) == 1 {
		return "", lbl
	}
	return strings.ToUpper(parts[0]), parts[1]
}

// mergeSpans joins adjacent or overlapping spans of the same label, which
// happens when a window boundary falls inside a multi-word entity.
func mergeSpans(in []Span) []Span {
	if len(in) == 0 {
		return nil
	}
	out := make([]Span, 0, len(in))
	cur := in[0]
	for _, s := range in[1:] {
		if s.Start <= cur.End && strings.EqualFold(s.Label, cur.Label) {
			if s.End > cur.End {
				cur.End = s.End
			}
			if s.Score < cur.Score {
				cur.Score = s.Score
			}
			continue
		}
		out = append(out, cur)
		cur = s
	}
	return append(out, cur)
}

func loadModelMeta(dir string) (modelMeta, error) {
	meta := modelMeta{}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return meta, err
	}
	var cfg struct {
		ID2Label      map[string]string `json:"id2label"`
		TypeVocabSize int               `json:"type_vocab_size"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return meta, err
	}
	meta.Labels = labelsFromIDMap(cfg.ID2Label)
	meta.RequiresTokenType = cfg.TypeVocabSize > 0
	return meta, nil
}

func labelsFromIDMap(id2label map[string]string) []string {
	maxID := -1
	byID := make(map[int]string, len(id2label))
	for k, v := range id2label {
		id, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || id < 0 {
			continue
		}
		byID[id] = v
		if id > maxID {
			maxID = id
		}
	}
	if maxID < 0 {
		return nil
	}
	labels := make([]string, maxID+1)
	for id, lbl := range byID {
		labels[id] = lbl
	}
	return labels
}

func resolveModelPath(dir string) string {
	for _, name := range []string{"model.int8.onnx", "model.onnx"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func resolveSharedLibraryPath(modelDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}
	names := []string{
		"libonnxruntime.dylib",
		"libonnxruntime.so",
		"onnxruntime.dll",
	}
	dirs := []string{
		modelDir,
		filepath.Join(modelDir, "lib"),
		"/opt/homebrew/lib",
		"/usr/local/lib",
		"/usr/lib",
	}
	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

func selectOutputInfo(modelPath string) (string, []int64, error) {
	_, outputs, err := ort.GetInputOutputInfoWithOptions(modelPath, nil)
	if err != nil {
		return "", nil, err
	}
	if len(outputs) == 0 {
		return "", nil, fmt.Errorf("no outputs found")
	}
	for _, out := range outputs {
		if strings.EqualFold(out.Name, "logits") {
			return out.Name, out.Dimensions, nil
		}
	}
	if len(outputs) == 1 {
		return outputs[0].Name, outputs[0].Dimensions, nil
	}
	names := make([]string, 0, len(outputs))
	for _, out := range outputs {
		names = append(names, out.Name)
	}
	return "", nil, fmt.Errorf("multiple outputs found without logits: %v", names)
}

// buildOutputShape fills dynamic dimensions of a [batch, seq, labels] output.
func buildOutputShape(dims []int64, seqLen, numLabels int) ort.Shape {
	if len(dims) != 3 {
		return ort.NewShape(1, int64(seqLen), int64(numLabels))
	}
	shape := make([]int64, 3)
	fallback := []int64{1, int64(seqLen), int64(numLabels)}
	for i, v := range dims {
		if v > 0 {
			shape[i] = v
		} else {
			shape[i] = fallback[i]
		}
	}
	return ort.Shape(shape)
}

func newONNXSession(modelPath string, seqLen, numLabels int, outputDims []int64, intraThr, interThr int, includeTokenType bool, outputName string) (*onnxSession, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("set graph optimization: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(intraThr); err != nil {
		return nil, fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(interThr); err != nil {
		return nil, fmt.Errorf("set inter threads: %w", err)
	}

	inputShape := ort.NewShape(1, int64(seqLen))
	inputIDs, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		return nil, fmt.Errorf("allocate input_ids tensor: %w", err)
	}
	attnMask, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		inputIDs.Destroy()
		return nil, fmt.Errorf("allocate attention_mask tensor: %w", err)
	}
	var tokenType *ort.Tensor[int64]
	if includeTokenType {
		tokenType, err = ort.NewEmptyTensor[int64](inputShape)
		if err != nil {
			inputIDs.Destroy()
			attnMask.Destroy()
			return nil, fmt.Errorf("allocate token_type_ids tensor: %w", err)
		}
	}
	output, err := ort.NewEmptyTensor[float32](buildOutputShape(outputDims, seqLen, numLabels))
	if err != nil {
		inputIDs.Destroy()
		attnMask.Destroy()
		if tokenType != nil {
			tokenType.Destroy()
		}
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}

	inputNames := []string{"input_ids", "attention_mask"}
	inputValues := []ort.Value{inputIDs, attnMask}
	if tokenType != nil {
		inputNames = append(inputNames, "token_type_ids")
		inputValues = append(inputValues, tokenType)
	}
	if outputName == "" {
		outputName = "logits"
	}
	session, err := ort.NewAdvancedSession(
		modelPath,
		inputNames,
		[]string{outputName},
		inputValues,
		[]ort.Value{output},
		opts,
	)
	ss := &onnxSession{
		session:       session,
		inputIDs:      inputIDs,
		attentionMask: attnMask,
		tokenTypeIDs:  tokenType,
		output:        output,
	}
	if err != nil {
		ss.destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	return ss, nil
}

func (s *onnxSession) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	s.inputIDs.Destroy()
	s.attentionMask.Destroy()
	if s.tokenTypeIDs != nil {
		s.tokenTypeIDs.Destroy()
	}
	s.output.Destroy()
}
