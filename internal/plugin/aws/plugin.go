// Package aws implements subnet discovery and single-instance provisioning on EC2.
package aws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/keel/internal/plugin"
	"github.com/yairfalse/keel/pkg/stack"
)

// ProviderName is the name the plugin registers under.
const ProviderName = "aws"

func init() {
	plugin.Register(ProviderName, func(ctx context.Context, opts plugin.Options) (plugin.Provider, error) {
		return New(ctx, Config{Region: opts.Region})
	})
}

// ErrNotFound is returned when a looked up VPC or image does not exist.
var ErrNotFound = errors.New("not found")

const defaultWaitTimeout = 10 * time.Minute

// Plugin talks to EC2 in one region.
type Plugin struct {
	region      string
	ec2Client   EC2API
	waitTimeout time.Duration
}

// Config holds AWS plugin configuration.
type Config struct {
	Region      string
	WaitTimeout time.Duration
}

// New creates a new AWS plugin from the default credential chain.
func New(ctx context.Context, cfg Config) (*Plugin, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithClient(ec2.NewFromConfig(awsCfg), cfg), nil
}

// NewWithClient creates a plugin around an existing EC2 client.
func NewWithClient(client EC2API, cfg Config) *Plugin {
	timeout := cfg.WaitTimeout
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	return &Plugin{region: cfg.Region, ec2Client: client, waitTimeout: timeout}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return ProviderName
}

// Region returns the region the plugin operates in.
func (p *Plugin) Region() string {
	return p.region
}

// LookupVPC checks that the VPC exists.
func (p *Plugin) LookupVPC(ctx context.Context, vpcID string) error {
	out, err := p.ec2Client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{vpcID}})
	if err != nil {
		if isCode(err, "InvalidVpcID.NotFound") {
			return fmt.Errorf("vpc %s: %w", vpcID, ErrNotFound)
		}
		return fmt.Errorf("describe vpc %s: %w", vpcID, err)
	}
	if len(out.Vpcs) == 0 {
		return fmt.Errorf("vpc %s: %w", vpcID, ErrNotFound)
	}
	return nil
}

// DiscoverSubnets lists the subnets of a VPC matching every tag filter.
// The result is sorted so repeated runs see the same order.
func (p *Plugin) DiscoverSubnets(ctx context.Context, vpcID string, tagFilters map[string]string) ([]string, error) {
	filters := []types.Filter{{Name: aws.String("vpc-id"), Values: []string{vpcID}}}

	keys := make([]string, 0, len(tagFilters))
	for k := range tagFilters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		filters = append(filters, types.Filter{
			Name:   aws.String("tag:" + k),
			Values: []string{tagFilters[k]},
		})
	}

	var ids []string
	paginator := ec2.NewDescribeSubnetsPaginator(p.ec2Client, &ec2.DescribeSubnetsInput{Filters: filters})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe subnets in %s: %w", vpcID, err)
		}
		for _, s := range page.Subnets {
			ids = append(ids, aws.ToString(s.SubnetId))
		}
	}
	sort.Strings(ids)

	log.Debug().
		Str("vpc_id", vpcID).
		Int("tag_filters", len(tagFilters)).
		Int("count", len(ids)).
		Msg("subnets discovered")

	return ids, nil
}

// LookupImage resolves an image by id, or picks the newest available image
// matching owners, name pattern and architecture.
func (p *Plugin) LookupImage(ctx context.Context, q stack.ImageQuery) (stack.Image, error) {
	input := &ec2.DescribeImagesInput{}
	if q.ID != "" {
		input.ImageIds = []string{q.ID}
	} else {
		input.Owners = q.Owners
		input.Filters = []types.Filter{
			{Name: aws.String("name"), Values: []string{q.NamePattern}},
			{Name: aws.String("state"), Values: []string{"available"}},
		}
		if q.Architecture != "" {
			input.Filters = append(input.Filters, types.Filter{
				Name: aws.String("architecture"), Values: []string{q.Architecture},
			})
		}
	}

	out, err := p.ec2Client.DescribeImages(ctx, input)
	if err != nil {
		if isCode(err, "InvalidAMIID.NotFound", "InvalidAMIID.Malformed") {
			return stack.Image{}, fmt.Errorf("image %s: %w", q.ID, ErrNotFound)
		}
		return stack.Image{}, fmt.Errorf("describe images: %w", err)
	}
	if len(out.Images) == 0 {
		if q.ID != "" {
			return stack.Image{}, fmt.Errorf("image %s: %w", q.ID, ErrNotFound)
		}
		return stack.Image{}, fmt.Errorf("image matching %q: %w", q.NamePattern, ErrNotFound)
	}

	newest := out.Images[0]
	for _, img := range out.Images[1:] {
		// CreationDate is ISO 8601, so string order is time order.
		if aws.ToString(img.CreationDate) > aws.ToString(newest.CreationDate) {
			newest = img
		}
	}

	return stack.Image{
		ID:             aws.ToString(newest.ImageId),
		Name:           aws.ToString(newest.Name),
		RootDeviceName: aws.ToString(newest.RootDeviceName),
		CreationDate:   aws.ToString(newest.CreationDate),
	}, nil
}

func isCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.ErrorCode() == c {
			return true
		}
	}
	return false
}
