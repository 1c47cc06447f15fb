package attribution

import (
	"context"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-ig/internal/model"
	"github.com/Brownie44l1/fer-ig/internal/tensor"
)

// Step is the gradient collected at one path image.
type Step struct {
	Index    int
	Fraction float64
	// Logit is the target class score at this path image.
	Logit float64
	// Gradient is ∂logit/∂pixel scaled elementwise by (target − baseline).
	Gradient *tensor.Image
}

type CollectorOptions struct {
	// BatchSize is the number of path images stacked per inference call.
	BatchSize int
	Logger    *zap.Logger
}

// Collector queries a model for the gradient of one class along a path.
type Collector struct {
	model     model.Model
	class     int
	batchSize int
	logger    *zap.Logger
}

func NewCollector(m model.Model, class int, opts CollectorOptions) (*Collector, error) {
	if class < 0 || class >= m.Metadata().NumClasses() {
		return nil, fmt.Errorf("%w: %d", model.ErrInvalidClass, class)
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Collector{model: m, class: class, batchSize: opts.BatchSize, logger: opts.Logger}, nil
}

func (c *Collector) Class() int { return c.class }

// Collect yields one Step per path image in path order. The sequence stops
// after the first error.
func (c *Collector) Collect(ctx context.Context, p *Path) iter.Seq2[*Step, error] {
	return func(yield func(*Step, error) bool) {
		for start := 0; start < p.Len(); start += c.batchSize {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			end := min(start+c.batchSize, p.Len())
			batch := make([]*tensor.Image, 0, end-start)
			for i := start; i < end; i++ {
				img, err := p.At(i)
				if err != nil {
					yield(nil, err)
					return
				}
				batch = append(batch, img)
			}

			resp, err := c.model.Infer(&model.InferenceRequest{Images: batch, TargetClass: c.class})
			if err != nil {
				yield(nil, fmt.Errorf("steps %d-%d: %w", start, end-1, err))
				return
			}
			if len(resp.Logits) != len(batch) || len(resp.Gradients) != len(batch) {
				yield(nil, fmt.Errorf("steps %d-%d: model returned %d logits and %d gradients for %d images",
					start, end-1, len(resp.Logits), len(resp.Gradients), len(batch)))
				return
			}
			c.logger.Debug("collected gradients",
				zap.Int("from", start), zap.Int("to", end-1), zap.Int("class", c.class))

			for j, raw := range resp.Gradients {
				scaled, err := raw.Mul(p.Delta())
				if err != nil {
					yield(nil, fmt.Errorf("step %d: %w", start+j, err))
					return
				}
				step := &Step{
					Index:    start + j,
					Fraction: p.Fraction(start + j),
					Logit:    resp.Logits[j][c.class],
					Gradient: scaled,
				}
				if !yield(step, nil) {
					return
				}
			}
		}
	}
}
