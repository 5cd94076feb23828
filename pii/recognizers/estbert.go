package recognizers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"strings"

	"github.com/daulet/tokenizers"
	onnxruntime "github.com/yalue/onnxruntime_go"
	"golang.org/x/sync/semaphore"
)

// EstBERTName is the registry name of the EstBERT NER recognizer.
const EstBERTName = "EstBERT_NER_Recognizer"

// estbertLabelMapping remaps the EstBERT NER tag vocabulary onto the
// canonical entity taxonomy. Labels without a mapping pass through Normalize
// unchanged.
var estbertLabelMapping = map[string]string{
	"PER":  Person,
	"ORG":  Organization,
	"LOC":  Location,
	"GPE":  Location,
	"DATE": DateTime,
}

// estbertEntities is the full set of entity types this recognizer can produce.
var estbertEntities = []string{Person, Organization, Location, DateTime}

// estbertMaxSeqLen is the model's positional embedding limit. Longer inputs
// are truncated to the first estbertMaxSeqLen tokens; text beyond the last
// retained token offset is not analyzed.
const estbertMaxSeqLen = 512

// minTokenConfidence is the softmax probability below which a token's
// predicted label is discarded as background.
const minTokenConfidence = 0.5

// EstBERTRecognizer runs the tartuNLP EstBERT_NER token-classification model
// over ONNX Runtime and normalizes its IOB tag stream into canonical entity
// spans.
type EstBERTRecognizer struct {
	tokenizer    *tokenizers.Tokenizer
	session      *onnxruntime.AdvancedSession
	inputTensor  *onnxruntime.Tensor[int64]
	maskTensor   *onnxruntime.Tensor[int64]
	outputTensor *onnxruntime.Tensor[float32]
	id2label     map[string]string
	numLabels    int
	modelPath    string
	language     string

	// The session reuses preallocated tensors, so only one inference may run
	// at a time. A weighted semaphore keeps acquisition context-aware.
	sem *semaphore.Weighted
}

// safeUintToInt converts a uint to int with bounds checking.
func safeUintToInt(val uint) int {
	const maxInt = int(^uint(0) >> 1)
	if val <= uint(maxInt) {
		// #nosec G115 - Safe conversion with bounds checking
		return int(val)
	}
	return maxInt
}

// loadLabelMap reads an id2label mapping file and returns the mapping plus
// the label count (highest id + 1).
func loadLabelMap(path string) (map[string]string, int, error) {
	// #nosec G304 - Label map path comes from the service configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read label map: %w", err)
	}

	var raw struct {
		ID2Label map[string]string `json:"id2label"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("failed to parse label map: %w", err)
	}
	if len(raw.ID2Label) == 0 {
		return nil, 0, fmt.Errorf("label map %s contains no id2label entries", path)
	}

	numLabels := 0
	for idStr := range raw.ID2Label {
		var id int
		if _, err := fmt.Sscanf(idStr, "%d", &id); err == nil && id >= 0 {
			if id >= numLabels {
				numLabels = id + 1
			}
		}
	}
	if numLabels == 0 {
		numLabels = len(raw.ID2Label)
	}

	return raw.ID2Label, numLabels, nil
}

// resolveSharedLibrary points ONNX Runtime at its shared library. The
// ONNXRUNTIME_SHARED_LIBRARY_PATH environment variable wins; otherwise a few
// conventional locations are probed.
func resolveSharedLibrary() {
	libPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")

	if libPath == "" {
		candidates := []string{
			"./libonnxruntime.so",
			"./build/libonnxruntime.so",
			"/usr/lib/libonnxruntime.so",
			"./libonnxruntime.dylib",
			"./build/libonnxruntime.dylib",
		}
		for _, path := range candidates {
			if _, err := os.Stat(path); err == nil {
				libPath = path
				break
			}
		}
	}

	if libPath != "" {
		onnxruntime.SetSharedLibraryPath(libPath)
	}
}

// NewEstBERTRecognizer loads the tokenizer and label map and prepares a
// recognizer for the given language. The ONNX session itself is initialized
// lazily on first use.
func NewEstBERTRecognizer(modelPath, tokenizerPath, labelMapPath, language string) (*EstBERTRecognizer, error) {
	resolveSharedLibrary()

	if !onnxruntime.IsInitialized() {
		if err := onnxruntime.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
		}
	}

	tk, err := tokenizers.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	id2label, numLabels, err := loadLabelMap(labelMapPath)
	if err != nil {
		if closeErr := tk.Close(); closeErr != nil {
			log.Printf("[EstBERT] Warning: failed to close tokenizer during cleanup: %v", closeErr)
		}
		return nil, err
	}

	if language == "" {
		language = LanguageAgnostic
	}

	return &EstBERTRecognizer{
		tokenizer: tk,
		id2label:  id2label,
		numLabels: numLabels,
		modelPath: modelPath,
		language:  language,
		sem:       semaphore.NewWeighted(1),
	}, nil
}

// Name returns the registry name of this recognizer.
func (r *EstBERTRecognizer) Name() string {
	return EstBERTName
}

// Language returns the language code this recognizer handles.
func (r *EstBERTRecognizer) Language() string {
	return r.language
}

// SupportedEntities returns every entity type the model's label vocabulary
// can map to.
func (r *EstBERTRecognizer) SupportedEntities() []string {
	out := make([]string, len(estbertEntities))
	copy(out, estbertEntities)
	return out
}

// Recognize runs a single inference over the full input text and returns the
// normalized spans. A model-level failure is logged and yields an empty span
// list rather than an error, so one recognizer cannot abort a
// multi-recognizer analysis pass. Context cancellation is propagated.
func (r *EstBERTRecognizer) Recognize(ctx context.Context, text string, requested []string) ([]Span, error) {
	if text == "" {
		return []Span{}, nil
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	raw, err := r.infer(text)
	if err != nil {
		log.Printf("[EstBERT] Inference failed, returning no spans: %v", err)
		return []Span{}, nil
	}

	return Normalize(raw, estbertLabelMapping, requested), nil
}

// infer tokenizes the text, runs the model, and groups the IOB tag stream
// into raw spans.
func (r *EstBERTRecognizer) infer(text string) ([]RawSpan, error) {
	if r.session == nil {
		if err := r.initializeSession(); err != nil {
			return nil, fmt.Errorf("failed to initialize session: %w", err)
		}
	}

	encoding := r.tokenizer.EncodeWithOptions(text, true, tokenizers.WithReturnOffsets())
	tokenIDs := encoding.IDs
	offsets := encoding.Offsets

	if len(tokenIDs) > estbertMaxSeqLen {
		log.Printf("[EstBERT] Input of %d tokens truncated to %d", len(tokenIDs), estbertMaxSeqLen)
		tokenIDs = tokenIDs[:estbertMaxSeqLen]
		offsets = offsets[:estbertMaxSeqLen]
	}

	inputIDs := make([]int64, len(tokenIDs))
	attentionMask := make([]int64, len(tokenIDs))
	for i := range tokenIDs {
		inputIDs[i] = int64(tokenIDs[i])
		attentionMask[i] = 1
	}

	r.updateInputTensors(inputIDs, attentionMask)

	if err := r.session.Run(); err != nil {
		return nil, fmt.Errorf("failed to run inference: %w", err)
	}

	return r.decodeOutput(tokenIDs, offsets), nil
}

// decodeOutput walks the per-token logits, picks the best label per token,
// and merges consecutive B-/I- tokens of the same base label into raw spans.
// Span confidence is the running average of its token confidences.
func (r *EstBERTRecognizer) decodeOutput(tokenIDs []uint32, offsets []tokenizers.Offset) []RawSpan {
	outputData := r.outputTensor.GetData()

	numTokens := len(tokenIDs)
	if len(offsets) < numTokens {
		numTokens = len(offsets)
	}

	var spans []RawSpan
	var current *RawSpan

	flush := func() {
		if current != nil {
			spans = append(spans, *current)
			current = nil
		}
	}

	for i := 0; i < numTokens; i++ {
		startIdx := i * r.numLabels
		endIdx := (i + 1) * r.numLabels
		if endIdx > len(outputData) {
			break
		}
		tokenLogits := outputData[startIdx:endIdx]

		maxLogit := float64(-math.MaxFloat64)
		bestClass := 0
		for j, logit := range tokenLogits {
			if float64(logit) > maxLogit {
				maxLogit = float64(logit)
				bestClass = j
			}
		}

		label, exists := r.id2label[fmt.Sprintf("%d", bestClass)]
		if !exists {
			label = "O"
		}

		// Softmax probability of the winning class.
		var sum float64
		for _, logit := range tokenLogits {
			sum += math.Exp(float64(logit))
		}
		confidence := math.Exp(maxLogit) / sum

		if confidence < minTokenConfidence {
			label = "O"
		}

		// Special tokens carry zero-width offsets and never contribute.
		start := safeUintToInt(offsets[i][0])
		end := safeUintToInt(offsets[i][1])
		if start == end {
			flush()
			continue
		}

		isBeginning := strings.HasPrefix(label, "B-")
		isInside := strings.HasPrefix(label, "I-")
		baseLabel := stripIOB(label)

		switch {
		case label != "O" && (isBeginning || current == nil):
			flush()
			current = &RawSpan{Label: baseLabel, Start: start, End: end, Score: confidence}
		case label != "O" && isInside && current != nil && current.Label == baseLabel:
			current.End = end
			current.Score = (current.Score + confidence) / 2
		default:
			flush()
		}
	}

	flush()
	return spans
}

// initializeSession creates the ONNX session and its preallocated tensors.
func (r *EstBERTRecognizer) initializeSession() error {
	batchSize := int64(1)
	inputShape := onnxruntime.NewShape(batchSize, int64(estbertMaxSeqLen))

	inputTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, estbertMaxSeqLen))
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}

	maskTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, estbertMaxSeqLen))
	if err != nil {
		destroyTensors(inputTensor)
		return fmt.Errorf("failed to create mask tensor: %w", err)
	}

	outputShape := onnxruntime.NewShape(batchSize, int64(estbertMaxSeqLen), int64(r.numLabels))
	outputTensor, err := onnxruntime.NewEmptyTensor[float32](outputShape)
	if err != nil {
		destroyTensors(inputTensor, maskTensor)
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := onnxruntime.NewAdvancedSession(r.modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"logits"},
		[]onnxruntime.Value{inputTensor, maskTensor},
		[]onnxruntime.Value{outputTensor},
		nil)
	if err != nil {
		destroyTensors(inputTensor, maskTensor, outputTensor)
		return fmt.Errorf("failed to create session: %w", err)
	}

	r.session = session
	r.inputTensor = inputTensor
	r.maskTensor = maskTensor
	r.outputTensor = outputTensor
	return nil
}

// destroyTensors destroys tensors during cleanup, logging failures.
func destroyTensors(tensors ...onnxruntime.Value) {
	for _, t := range tensors {
		if err := t.Destroy(); err != nil {
			log.Printf("[EstBERT] Warning: failed to destroy tensor during cleanup: %v", err)
		}
	}
}

// updateInputTensors clears and refills the preallocated input tensors.
func (r *EstBERTRecognizer) updateInputTensors(inputIDs, attentionMask []int64) {
	inputData := r.inputTensor.GetData()
	maskData := r.maskTensor.GetData()

	for i := range inputData {
		inputData[i] = 0
		maskData[i] = 0
	}

	copy(inputData, inputIDs)
	copy(maskData, attentionMask)
}

// Close releases the session, tensors, and tokenizer.
func (r *EstBERTRecognizer) Close() error {
	var errs []error

	if r.session != nil {
		if err := r.session.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy session: %w", err))
		}
	}
	if r.inputTensor != nil {
		if err := r.inputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy input tensor: %w", err))
		}
	}
	if r.maskTensor != nil {
		if err := r.maskTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy mask tensor: %w", err))
		}
	}
	if r.outputTensor != nil {
		if err := r.outputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy output tensor: %w", err))
		}
	}
	if r.tokenizer != nil {
		if err := r.tokenizer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close tokenizer: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}
