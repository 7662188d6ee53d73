package diagnosis

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"plantcare/internal/apperr"
	"plantcare/internal/plant"

	"github.com/google/uuid"
)

// Identifier is implemented by Client.
type Identifier interface {
	Identify(ctx context.Context, image []byte) (*Result, error)
}

type Service struct {
	Plants   *plant.Service
	Client   Identifier
	MediaDir string
	Log      *slog.Logger
}

// Diagnose stores the uploaded photo under MediaDir, asks plant.id about it
// and records the answer as a diagnosis of the caller's plant.
func (s *Service) Diagnose(ctx context.Context, userID, plantID uint64, image []byte, filename string) (*plant.Diagnosis, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: image required", apperr.ErrInvalidState)
	}
	if _, err := s.Plants.Get(ctx, userID, plantID); err != nil {
		return nil, err
	}

	rel, err := s.saveImage(plantID, image, filename)
	if err != nil {
		return nil, err
	}

	res, err := s.Client.Identify(ctx, image)
	if err != nil {
		s.logger().Warn("plant.id identify failed", "plant_id", plantID, "error", err)
		return nil, err
	}

	d := ToDiagnosis(res)
	d.ImagePath = rel
	if err := s.Plants.AddDiagnosis(ctx, userID, plantID, &d); err != nil {
		return nil, err
	}
	s.logger().Info("plant diagnosed", "plant_id", plantID, "category", d.Category, "confidence", d.Confidence)
	return &d, nil
}

func (s *Service) saveImage(plantID uint64, image []byte, filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp":
	default:
		ext = ".jpg"
	}
	rel := filepath.Join("diagnoses", fmt.Sprint(plantID), uuid.NewString()+ext)
	abs := filepath.Join(s.MediaDir, rel)

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	if err := os.WriteFile(abs, image, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// ToDiagnosis condenses an identify result into a stored diagnosis.
// Confidence is the top suggestion's probability clamped to [0,1].
func ToDiagnosis(r *Result) plant.Diagnosis {
	d := plant.Diagnosis{Category: plant.CategoryOther, SuggestedNames: plant.Labels{}}
	if r == nil {
		return d
	}

	if len(r.Suggestions) > 0 {
		d.Confidence = clamp01(r.Suggestions[0].Probability)
	}

	seen := map[string]bool{}
	for _, sg := range r.Suggestions {
		for _, name := range append([]string{sg.PlantName}, sg.PlantDetails.CommonNames...) {
			name = strings.TrimSpace(name)
			key := strings.ToLower(name)
			if name == "" || seen[key] {
				continue
			}
			seen[key] = true
			d.SuggestedNames = append(d.SuggestedNames, name)
		}
	}

	diseases := r.HealthAssessment.Diseases
	if len(diseases) == 0 {
		d.Summary = "No disease detected"
		return d
	}

	names := make([]string, 0, len(diseases))
	var care []string
	for _, dis := range diseases {
		names = append(names, dis.Name)
		care = append(care, dis.DiseaseDetails.Treatment.Lines()...)
	}
	d.Summary = strings.Join(names, ", ")
	d.CareInstructions = strings.Join(care, "\n")
	d.Category = Categorize(diseases[0])
	return d
}

var categoryWords = []struct {
	category string
	words    []string
}{
	{plant.CategoryFungus, []string{"fung", "mildew", "mold", "mould", "rust", "blight", "rot", "leaf spot"}},
	{plant.CategoryPest, []string{"pest", "insect", "mite", "aphid", "mealybug", "thrip", "scale", "whitefl", "animalia"}},
	{plant.CategoryWatering, []string{"water", "drought", "dehydrat", "wilt"}},
	{plant.CategoryLight, []string{"light", "sun", "scorch", "etiolat"}},
}

// Categorize maps a disease onto one of the stored categories using its
// classification and name.
func Categorize(d Disease) string {
	text := strings.ToLower(strings.Join(append([]string{d.Name}, d.DiseaseDetails.Classification...), " "))
	for _, c := range categoryWords {
		for _, w := range c.words {
			if strings.Contains(text, w) {
				return c.category
			}
		}
	}
	return plant.CategoryOther
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func (s *Service) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}
