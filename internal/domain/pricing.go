package domain

import (
	"fmt"
	"math"
)

// Credit pricing. Pure functions keyed on the normalized request; ceilings
// apply after multiplication. Admission is the only caller.

// Image base prices per quality tier.
const (
	priceImageBasic    = 1
	priceImageStandard = 2
	priceImageHigh     = 3
	priceImageEditBase = 2
)

// Training step ladder prices.
var trainingStepPrices = map[int]int64{
	600:  10,
	1200: 20,
	2000: 35,
}

func qualityMultiplier(quality string) float64 {
	switch quality {
	case QualityStandard:
		return 1.5
	case QualityHigh:
		return 2.0
	default:
		return 1.0
	}
}

func editMultiplier(editType string) float64 {
	switch editType {
	case EditRestyle:
		return 1.5
	case EditBackgroundReplace:
		return 2.0
	default:
		return 1.0
	}
}

// PriceImage returns the credit cost of an image generation or edit.
func PriceImage(p GenerationParams) (int64, error) {
	if p.EditType != "" {
		switch p.EditType {
		case EditInpaint, EditOutpaint, EditRestyle, EditBackgroundReplace:
		default:
			return 0, fmt.Errorf("price image: unknown edit type %q: %w", p.EditType, ErrInvalidArgument)
		}
		return int64(math.Ceil(priceImageEditBase * editMultiplier(p.EditType))), nil
	}
	switch p.Quality {
	case "", QualityBasic:
		return priceImageBasic, nil
	case QualityStandard:
		return priceImageStandard, nil
	case QualityHigh:
		return priceImageHigh, nil
	default:
		return 0, fmt.Errorf("price image: unknown quality %q: %w", p.Quality, ErrInvalidArgument)
	}
}

// PriceVideo returns the credit cost of a video generation. Requests with a
// known generation_type use its formula; the generic seconds*fps formula
// prices everything else.
func PriceVideo(p GenerationParams) (int64, error) {
	seconds := p.DurationSeconds
	if seconds <= 0 {
		return 0, fmt.Errorf("price video: duration %d: %w", seconds, ErrInvalidArgument)
	}
	mult := qualityMultiplier(p.Quality)
	switch p.GenerationType {
	case VideoTextToVideo:
		return ceil64(5 * (float64(seconds) / 5) * mult), nil
	case VideoImageToVideo:
		return ceil64(8 * (float64(seconds) / 5) * mult), nil
	case VideoKeyframe:
		return ceil64(10 * (float64(seconds) / 5) * mult), nil
	case "":
		if p.FPS <= 0 {
			return 0, fmt.Errorf("price video: fps %d: %w", p.FPS, ErrInvalidArgument)
		}
		cost := ceil64(float64(seconds) * float64(p.FPS) / 16)
		if cost < 2 {
			cost = 2
		}
		return cost, nil
	default:
		return 0, fmt.Errorf("price video: unknown generation type %q: %w", p.GenerationType, ErrInvalidArgument)
	}
}

// PriceTraining returns the credit cost of a training run for an enumerated
// step count.
func PriceTraining(steps int) (int64, error) {
	cost, ok := trainingStepPrices[steps]
	if !ok {
		return 0, fmt.Errorf("price training: unsupported steps %d: %w", steps, ErrInvalidArgument)
	}
	return cost, nil
}

// Price dispatches on job kind.
func Price(kind JobKind, p GenerationParams) (int64, error) {
	switch kind {
	case KindImage:
		return PriceImage(p)
	case KindVideo:
		return PriceVideo(p)
	case KindTraining:
		return PriceTraining(p.Steps)
	default:
		return 0, fmt.Errorf("price: unknown kind %q: %w", kind, ErrInvalidArgument)
	}
}

func ceil64(v float64) int64 {
	return int64(math.Ceil(v))
}
