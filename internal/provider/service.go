package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// Models names the models the gateway uses. Moderation may be empty to let
// the provider pick its default moderation model.
type Models struct {
	Generation string `yaml:"generation" json:"generation"`
	Moderation string `yaml:"moderation" json:"moderation"`
	Embedding  string `yaml:"embedding" json:"embedding"`
}

// Service binds a Client to the configured models.
type Service struct {
	client Client
	models Models
	logger *zap.Logger
}

// NewService creates a Service. A nil logger disables logging.
func NewService(client Client, models Models, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{client: client, models: models, logger: logger}
}

// Models returns the configured model names.
func (s *Service) Models() Models { return s.models }

// Client returns the underlying client.
func (s *Service) Client() Client { return s.client }

// Generate completes a single user prompt with the generation model. The
// provider's own safety prefix is requested.
func (s *Service) Generate(ctx context.Context, prompt string) (Completion, error) {
	return s.client.Complete(ctx, CompletionRequest{
		Model:      s.models.Generation,
		Messages:   []Message{{Role: "user", Content: prompt}},
		SafePrompt: true,
	})
}

// Moderate classifies text with the moderation model.
func (s *Service) Moderate(ctx context.Context, text string) (Moderation, error) {
	return s.client.Moderate(ctx, s.models.Moderation, text)
}

// Embed returns the embedding of text from the embedding model.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.client.Embed(ctx, s.models.Embedding, text)
}

func (s *Service) DetectLanguage(ctx context.Context, text string) (LanguageDetection, error) {
	return s.client.DetectLanguage(ctx, text)
}

func (s *Service) Translate(ctx context.Context, text, targetLanguage string) (string, error) {
	return s.client.Translate(ctx, text, targetLanguage)
}

// ModelStatus reports whether one configured model is available.
type ModelStatus struct {
	ModelName string `json:"model_name"`
	Available bool   `json:"available"`
	Message   string `json:"message"`
}

// ModelValidation is the result of ValidateModels.
type ModelValidation struct {
	GenerationModel ModelStatus  `json:"generation_model"`
	ModerationModel *ModelStatus `json:"moderation_model,omitempty"`
	EmbeddingModel  ModelStatus  `json:"embedding_model"`
	OverallStatus   string       `json:"overall_status"`
}

const (
	StatusAllModelsAvailable    = "all_models_available"
	StatusSomeModelsUnavailable = "some_models_unavailable"
)

// ValidateModels checks every configured model against the provider's
// model list. It never fails: a listing error marks every model unavailable.
func (s *Service) ValidateModels(ctx context.Context) ModelValidation {
	available, listErr := s.client.ListModels(ctx)
	if listErr != nil {
		s.logger.Error("listing provider models failed", zap.Error(listErr))
	}

	status := func(model string) ModelStatus {
		st := ModelStatus{ModelName: model}
		switch {
		case listErr != nil:
			st.Message = listFailureMessage(listErr)
		case slices.Contains(available, model):
			st.Available = true
			st.Message = "Model is available and validated"
		default:
			st.Message = fmt.Sprintf("Model validation failed: %v: %s", ErrUnknownModel, model)
		}
		return st
	}

	res := ModelValidation{
		GenerationModel: status(s.models.Generation),
		EmbeddingModel:  status(s.models.Embedding),
	}
	allOK := res.GenerationModel.Available && res.EmbeddingModel.Available
	if s.models.Moderation != "" {
		mod := status(s.models.Moderation)
		res.ModerationModel = &mod
		allOK = allOK && mod.Available
	}

	res.OverallStatus = StatusSomeModelsUnavailable
	if allOK {
		res.OverallStatus = StatusAllModelsAvailable
	}
	return res
}

// listFailureMessage describes a model-listing failure without the
// provider's response body, which is only logged.
func listFailureMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("Model validation failed: provider returned HTTP %d", apiErr.StatusCode)
	}
	return "Model validation failed: provider unavailable"
}

// CheckModels returns an error wrapping ErrUnknownModel for the first
// configured model the provider does not list.
func (s *Service) CheckModels(ctx context.Context) error {
	available, err := s.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("listing provider models: %w", err)
	}
	for _, m := range []string{s.models.Generation, s.models.Moderation, s.models.Embedding} {
		if m != "" && !slices.Contains(available, m) {
			return fmt.Errorf("%w: %s", ErrUnknownModel, m)
		}
	}
	return nil
}
