package serializer

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/arloliu/bpstream/errs"
	"github.com/arloliu/bpstream/internal/options"
	"github.com/arloliu/bpstream/metrics"
)

// Option configures a Serializer.
type Option = options.Option[*Serializer]

// WithLogger sets the logger. The default discards everything below warnings.
func WithLogger(logger logrus.FieldLogger) Option {
	return options.New(func(s *Serializer) error {
		if logger == nil {
			return fmt.Errorf("%w: nil logger", errs.ErrConfig)
		}
		s.logger = logger

		return nil
	})
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return options.NoError(func(s *Serializer) {
		s.metrics = m
	})
}

// WithSubStream records the sub-stream the rank's data lands in; it is stored
// as the file index of every record.
func WithSubStream(index uint32) Option {
	return options.NoError(func(s *Serializer) {
		s.subStream = index
	})
}

// WithColumnMajor marks the rank's arrays as column-major.
func WithColumnMajor(columnMajor bool) Option {
	return options.NoError(func(s *Serializer) {
		s.columnMajor = columnMajor
	})
}
