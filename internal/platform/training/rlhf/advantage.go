// internal/platform/training/rlhf/advantage.go

// Package rlhf turns scored rollouts into the token-level advantages the
// policy update consumes.
package rlhf

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/openeeap/rlactor/pkg/errors"
)

// RewardModel 奖励模型接口. Score returns one scalar per row of responses;
// mask marks the valid response tokens.
type RewardModel interface {
	Score(responses, mask *mat.Dense) ([]float64, error)
}

// CountingReward rewards responses whose tokens count upwards modulo Vocab.
// A row scores the fraction of its valid tokens that follow a valid
// predecessor by exactly one.
type CountingReward struct {
	Vocab int
}

func (r CountingReward) Score(responses, mask *mat.Dense) ([]float64, error) {
	if err := sameShape(responses, mask); err != nil {
		return nil, err
	}
	if r.Vocab < 1 {
		return nil, errors.ValidationErrorf("vocabulary size must be positive, got %d", r.Vocab)
	}

	rows, width := responses.Dims()
	scores := make([]float64, rows)
	for i := 0; i < rows; i++ {
		valid, hits := 0, 0
		for j := 0; j < width; j++ {
			if mask.At(i, j) == 0 {
				continue
			}
			valid++
			if j > 0 && mask.At(i, j-1) != 0 && int(responses.At(i, j)) == (int(responses.At(i, j-1))+1)%r.Vocab {
				hits++
			}
		}
		if valid > 0 {
			scores[i] = float64(hits) / float64(valid)
		}
	}
	return scores, nil
}

// Estimator selects how sequence scores become token advantages
type Estimator string

const (
	// EstimatorOutcome gives every valid token its row's whitened score
	EstimatorOutcome Estimator = "outcome"

	// EstimatorGAE places the score on the last valid token and discounts it
	// backwards with gamma*lambda; values are taken as zero
	EstimatorGAE Estimator = "gae"
)

// FromStringEstimator converts string to Estimator
func FromStringEstimator(s string) (Estimator, error) {
	switch e := Estimator(s); e {
	case EstimatorOutcome, EstimatorGAE:
		return e, nil
	default:
		return "", fmt.Errorf("invalid advantage estimator: %s", s)
	}
}

// Config 优势估计配置
type Config struct {
	Estimator Estimator
	Gamma     float64
	Lambda    float64
}

// DefaultConfig returns outcome advantages
func DefaultConfig() Config {
	return Config{Estimator: EstimatorOutcome, Gamma: 1.0, Lambda: 0.95}
}

// Advantages computes [N, R] advantages from one score per row. Invalid
// tokens get zero.
func Advantages(cfg Config, scores []float64, mask *mat.Dense) (*mat.Dense, error) {
	rows, _ := mask.Dims()
	if len(scores) != rows {
		return nil, errors.ValidationErrorf("got %d scores for %d rows", len(scores), rows)
	}

	switch cfg.Estimator {
	case EstimatorOutcome, "":
		return broadcast(NormalizeRewards(scores), mask), nil
	case EstimatorGAE:
		return Whiten(GAE(terminalRewards(scores, mask), mask, cfg.Gamma, cfg.Lambda), mask), nil
	default:
		return nil, errors.ValidationErrorf("invalid advantage estimator: %s", cfg.Estimator)
	}
}

// NormalizeRewards 归一化奖励: (r - mean) / (std + 1e-8) with the
// population standard deviation
func NormalizeRewards(rewards []float64) []float64 {
	out := make([]float64, len(rewards))
	if len(rewards) == 0 {
		return out
	}
	mean, std := stat.PopMeanStdDev(rewards, nil)
	for i, r := range rewards {
		out[i] = (r - mean) / (std + 1e-8)
	}
	return out
}

// GAE 使用 GAE 计算优势函数. With zero values the TD residual of a token is
// its reward, so A_t = r_t + gamma*lambda*A_{t+1} over the valid tokens of
// each row.
func GAE(tokenRewards, mask *mat.Dense, gamma, lambda float64) *mat.Dense {
	rows, width := tokenRewards.Dims()
	out := mat.NewDense(rows, width, nil)
	for i := 0; i < rows; i++ {
		acc := 0.0
		for j := width - 1; j >= 0; j-- {
			if mask.At(i, j) == 0 {
				continue
			}
			acc = tokenRewards.At(i, j) + gamma*lambda*acc
			out.Set(i, j, acc)
		}
	}
	return out
}

// Whiten normalizes the valid entries of values to zero mean and unit
// variance. Invalid entries stay zero.
func Whiten(values, mask *mat.Dense) *mat.Dense {
	rows, width := values.Dims()
	var valid []float64
	for i := 0; i < rows; i++ {
		for j := 0; j < width; j++ {
			if mask.At(i, j) != 0 {
				valid = append(valid, values.At(i, j))
			}
		}
	}

	out := mat.NewDense(rows, width, nil)
	if len(valid) == 0 {
		return out
	}
	mean, std := stat.PopMeanStdDev(valid, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < width; j++ {
			if mask.At(i, j) != 0 {
				out.Set(i, j, (values.At(i, j)-mean)/(std+1e-8))
			}
		}
	}
	return out
}

func broadcast(scores []float64, mask *mat.Dense) *mat.Dense {
	rows, width := mask.Dims()
	out := mat.NewDense(rows, width, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < width; j++ {
			if mask.At(i, j) != 0 {
				out.Set(i, j, scores[i])
			}
		}
	}
	return out
}

// terminalRewards puts each row's score on its last valid token
func terminalRewards(scores []float64, mask *mat.Dense) *mat.Dense {
	rows, width := mask.Dims()
	out := mat.NewDense(rows, width, nil)
	for i := 0; i < rows; i++ {
		for j := width - 1; j >= 0; j-- {
			if mask.At(i, j) != 0 {
				out.Set(i, j, scores[i])
				break
			}
		}
	}
	return out
}

func sameShape(a, b *mat.Dense) error {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return errors.ValidationErrorf("shape mismatch: [%d, %d] vs [%d, %d]", ar, ac, br, bc)
	}
	return nil
}

//Personal.AI order the ending
