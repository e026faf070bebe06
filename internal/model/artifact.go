package model

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/atlas-desktop/decision-engine/internal/regime"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// ArtifactConfig locates the exported model.
type ArtifactConfig struct {
	Path string `json:"path" mapstructure:"path"`

	// RuntimeLibrary overrides the onnxruntime shared library location.
	// Empty picks the platform default.
	RuntimeLibrary string `json:"runtimeLibrary" mapstructure:"runtime_library"`
}

var ortInitOnce sync.Once
var ortInitErr error

func initRuntime(libraryPath string) error {
	ortInitOnce.Do(func() {
		if libraryPath == "" {
			switch runtime.GOOS {
			case "windows":
				libraryPath = "onnxruntime.dll"
			case "darwin":
				libraryPath = "libonnxruntime.dylib"
			default:
				libraryPath = "/usr/lib/libonnxruntime.so"
			}
		}
		ort.SetSharedLibraryPath(libraryPath)
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// ArtifactScorer scores with an ONNX export of the offline-trained
// gradient-boosted model. Input is the feature schema plus the regime
// index; output is [expected_return, confidence].
type ArtifactScorer struct {
	logger  *zap.Logger
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	// The runtime session is not reentrant; scoring serializes here.
	mu sync.Mutex
}

// NewArtifactScorer loads the artifact once and probes it with a zero
// vector. Any shape or graph disagreement surfaces now as
// ErrSchemaMismatch rather than mid-cycle.
func NewArtifactScorer(logger *zap.Logger, cfg ArtifactConfig) (*ArtifactScorer, error) {
	if err := initRuntime(cfg.RuntimeLibrary); err != nil {
		return nil, fmt.Errorf("onnxruntime init: %w", err)
	}

	inputWidth := len(types.FeatureNames()) + 1 // features + regime index
	inputShape := ort.NewShape(1, int64(inputWidth))
	inputTensor, err := ort.NewTensor(inputShape, make([]float32, inputWidth))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputShape := ort.NewShape(1, 2)
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(cfg.Path,
		[]string{"input"}, []string{"output"},
		[]ort.Value{inputTensor}, []ort.Value{outputTensor}, nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("%w: %s: %v", ErrSchemaMismatch, cfg.Path, err)
	}

	scorer := &ArtifactScorer{
		logger:  logger.Named("model-artifact"),
		session: session,
		input:   inputTensor,
		output:  outputTensor,
	}

	// Probe run with zeros validates the graph against our schema.
	if err := scorer.session.Run(); err != nil {
		scorer.Close()
		return nil, fmt.Errorf("%w: probe run: %v", ErrSchemaMismatch, err)
	}

	scorer.logger.Info("Model artifact loaded",
		zap.String("path", cfg.Path),
		zap.Int("inputWidth", inputWidth))

	return scorer, nil
}

// Score implements Scorer.
func (a *ArtifactScorer) Score(ctx context.Context, fv types.FeatureVector, r regime.Regime) (types.Forecast, error) {
	if err := ctx.Err(); err != nil {
		return NeutralForecast(fv.Symbol, fv.Timestamp), err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	data := a.input.GetData()
	for i, v := range fv.Values() {
		data[i] = float32(v)
	}
	data[len(data)-1] = RegimeIndex(r)

	if err := a.session.Run(); err != nil {
		return NeutralForecast(fv.Symbol, fv.Timestamp), fmt.Errorf("inference: %w", err)
	}

	out := a.output.GetData()
	return types.Forecast{
		Symbol:         fv.Symbol,
		Timestamp:      fv.Timestamp,
		ExpectedReturn: float64(out[0]),
		Confidence:     float64(out[1]),
	}, nil
}

// Close releases the runtime session and tensors.
func (a *ArtifactScorer) Close() error {
	if a.session != nil {
		a.session.Destroy()
	}
	if a.input != nil {
		a.input.Destroy()
	}
	if a.output != nil {
		a.output.Destroy()
	}
	return nil
}
