package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// Push sends the current registry to a Prometheus pushgateway under job,
// grouped by stack so concurrent stacks do not overwrite each other.
func (m *Metrics) Push(ctx context.Context, url, job, stack string) error {
	p := push.New(url, job).Gatherer(m.reg)
	if stack != "" {
		p = p.Grouping("stack", stack)
	}
	if err := p.PushContext(ctx); err != nil {
		return xerrors.Wrapf(err, "push metrics to %s", url)
	}
	return nil
}
