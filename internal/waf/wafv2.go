package waf

import (
	"context"
	"maps"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/wafv2"
	"github.com/aws/aws-sdk-go-v2/service/wafv2/types"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

// WAFv2API is the subset of the wafv2 client used here. The client must be
// configured for us-east-1.
type WAFv2API interface {
	ListWebACLs(ctx context.Context, in *wafv2.ListWebACLsInput, optFns ...func(*wafv2.Options)) (*wafv2.ListWebACLsOutput, error)
	CreateWebACL(ctx context.Context, in *wafv2.CreateWebACLInput, optFns ...func(*wafv2.Options)) (*wafv2.CreateWebACLOutput, error)
}

type WAFv2 struct {
	api    WAFv2API
	logger log.Logger
}

var _ Provisioner = (*WAFv2)(nil)

func NewWAFv2(api WAFv2API, logger log.Logger) *WAFv2 {
	if logger == nil {
		logger = log.Nop()
	}
	return &WAFv2{api: api, logger: logger.With("component", "waf", "backend", "wafv2")}
}

// Ensure returns the ACL named cfg.Name, creating it when absent. An
// existing ACL is reused as is.
func (w *WAFv2) Ensure(ctx context.Context, cfg Config) (Ref, error) {
	if err := cfg.Validate(); err != nil {
		return Ref{}, err
	}

	var marker *string
	for {
		out, err := w.api.ListWebACLs(ctx, &wafv2.ListWebACLsInput{Scope: types.ScopeCloudfront, NextMarker: marker, Limit: aws.Int32(100)})
		if err != nil {
			return Ref{}, xerrors.Wrap(err, "list web ACLs")
		}
		for _, s := range out.WebACLs {
			if aws.ToString(s.Name) == cfg.Name {
				w.logger.Info(ctx, "web ACL exists", "name", cfg.Name)
				return Ref{Name: cfg.Name, ID: aws.ToString(s.Id), ARN: aws.ToString(s.ARN)}, nil
			}
		}
		if aws.ToString(out.NextMarker) == "" || len(out.WebACLs) == 0 {
			break
		}
		marker = out.NextMarker
	}

	out, err := w.api.CreateWebACL(ctx, buildCreateInput(cfg))
	if err != nil {
		return Ref{}, xerrors.Wrapf(err, "create web ACL %s", cfg.Name)
	}
	w.logger.Info(ctx, "web ACL created", "name", cfg.Name)
	return Ref{Name: cfg.Name, ID: aws.ToString(out.Summary.Id), ARN: aws.ToString(out.Summary.ARN)}, nil
}

func visibility(metric string) *types.VisibilityConfig {
	return &types.VisibilityConfig{
		CloudWatchMetricsEnabled: true,
		SampledRequestsEnabled:   true,
		MetricName:               aws.String(metric),
	}
}

func buildCreateInput(cfg Config) *wafv2.CreateWebACLInput {
	rules := make([]types.Rule, 0, len(cfg.ManagedRules)+1)
	for _, r := range cfg.ManagedRules {
		rules = append(rules, types.Rule{
			Name:     aws.String(r.Vendor + "-" + r.Name),
			Priority: r.Priority,
			Statement: &types.Statement{
				ManagedRuleGroupStatement: &types.ManagedRuleGroupStatement{
					VendorName: aws.String(r.Vendor),
					Name:       aws.String(r.Name),
				},
			},
			OverrideAction:   &types.OverrideAction{None: &types.NoneAction{}},
			VisibilityConfig: visibility(r.Name),
		})
	}
	if cfg.RateLimit > 0 {
		rules = append(rules, types.Rule{
			Name:     aws.String("rate-limit"),
			Priority: cfg.ratePriority(),
			Statement: &types.Statement{
				RateBasedStatement: &types.RateBasedStatement{
					Limit:            aws.Int64(cfg.RateLimit),
					AggregateKeyType: types.RateBasedStatementAggregateKeyTypeIp,
				},
			},
			Action:           &types.RuleAction{Block: &types.BlockAction{}},
			VisibilityConfig: visibility(cfg.Name + "-rate"),
		})
	}

	tags := make([]types.Tag, 0, len(cfg.Tags))
	for _, k := range slices.Sorted(maps.Keys(cfg.Tags)) {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(cfg.Tags[k])})
	}

	in := &wafv2.CreateWebACLInput{
		Name:             aws.String(cfg.Name),
		Scope:            types.ScopeCloudfront,
		DefaultAction:    &types.DefaultAction{Allow: &types.AllowAction{}},
		Rules:            rules,
		VisibilityConfig: visibility(cfg.Name),
	}
	if len(tags) > 0 {
		in.Tags = tags
	}
	return in
}
