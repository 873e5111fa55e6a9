package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/keel/internal/plugin"
	"github.com/yairfalse/keel/pkg/stack"
)

func TestPluginName(t *testing.T) {
	p := NewWithClient(&mockEC2Client{}, Config{Region: "eu-west-1"})
	assert.Equal(t, "aws", p.Name())
	assert.Equal(t, "eu-west-1", p.Region())
	assert.Equal(t, defaultWaitTimeout, p.waitTimeout)
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, plugin.Names(), ProviderName)
	var _ plugin.Provider = (*Plugin)(nil)
}

func TestLookupVPC(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		mock := &mockEC2Client{
			describeVpcsFunc: func(_ context.Context, in *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
				assert.Equal(t, []string{"vpc-123"}, in.VpcIds)
				return &ec2.DescribeVpcsOutput{Vpcs: []types.Vpc{{VpcId: aws.String("vpc-123")}}}, nil
			},
		}
		require.NoError(t, NewWithClient(mock, Config{}).LookupVPC(context.Background(), "vpc-123"))
	})

	t.Run("not found code", func(t *testing.T) {
		mock := &mockEC2Client{
			describeVpcsFunc: func(context.Context, *ec2.DescribeVpcsInput, ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
				return nil, &smithy.GenericAPIError{Code: "InvalidVpcID.NotFound", Message: "nope"}
			},
		}
		err := NewWithClient(mock, Config{}).LookupVPC(context.Background(), "vpc-404")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("empty answer", func(t *testing.T) {
		err := NewWithClient(&mockEC2Client{}, Config{}).LookupVPC(context.Background(), "vpc-404")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("api failure", func(t *testing.T) {
		mock := &mockEC2Client{
			describeVpcsFunc: func(context.Context, *ec2.DescribeVpcsInput, ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
				return nil, errors.New("throttled")
			},
		}
		err := NewWithClient(mock, Config{}).LookupVPC(context.Background(), "vpc-1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
		assert.Contains(t, err.Error(), "throttled")
	})
}

func TestDiscoverSubnets(t *testing.T) {
	var seen []*ec2.DescribeSubnetsInput
	mock := &mockEC2Client{
		describeSubnetsFunc: func(_ context.Context, in *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
			seen = append(seen, in)
			if in.NextToken == nil {
				return &ec2.DescribeSubnetsOutput{
					Subnets:   []types.Subnet{{SubnetId: aws.String("subnet-c")}, {SubnetId: aws.String("subnet-a")}},
					NextToken: aws.String("page-2"),
				}, nil
			}
			return &ec2.DescribeSubnetsOutput{
				Subnets: []types.Subnet{{SubnetId: aws.String("subnet-b")}},
			}, nil
		},
	}

	ids, err := NewWithClient(mock, Config{}).DiscoverSubnets(context.Background(), "vpc-1",
		map[string]string{"Tier": "public", "Env": "dev"})
	require.NoError(t, err)
	assert.Equal(t, []string{"subnet-a", "subnet-b", "subnet-c"}, ids)

	require.Len(t, seen, 2)
	filters := seen[0].Filters
	require.Len(t, filters, 3)
	assert.Equal(t, "vpc-id", aws.ToString(filters[0].Name))
	assert.Equal(t, "tag:Env", aws.ToString(filters[1].Name))
	assert.Equal(t, "tag:Tier", aws.ToString(filters[2].Name))
	assert.Equal(t, []string{"public"}, filters[2].Values)
}

func TestDiscoverSubnets_Error(t *testing.T) {
	mock := &mockEC2Client{
		describeSubnetsFunc: func(context.Context, *ec2.DescribeSubnetsInput, ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
			return nil, errors.New("access denied")
		},
	}
	_, err := NewWithClient(mock, Config{}).DiscoverSubnets(context.Background(), "vpc-1", nil)
	assert.ErrorContains(t, err, "describe subnets in vpc-1")
}

func TestLookupImage(t *testing.T) {
	t.Run("newest match wins", func(t *testing.T) {
		mock := &mockEC2Client{
			describeImagesFunc: func(_ context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
				assert.Empty(t, in.ImageIds)
				assert.Equal(t, []string{"099720109477"}, in.Owners)
				require.Len(t, in.Filters, 3)
				assert.Equal(t, "architecture", aws.ToString(in.Filters[2].Name))
				return &ec2.DescribeImagesOutput{Images: []types.Image{
					{ImageId: aws.String("ami-old"), CreationDate: aws.String("2024-01-01T00:00:00.000Z")},
					{ImageId: aws.String("ami-new"), CreationDate: aws.String("2025-06-01T00:00:00.000Z"), RootDeviceName: aws.String("/dev/sda1")},
					{ImageId: aws.String("ami-mid"), CreationDate: aws.String("2025-01-01T00:00:00.000Z")},
				}}, nil
			},
		}
		img, err := NewWithClient(mock, Config{}).LookupImage(context.Background(), stack.ImageQuery{
			Owners:       []string{"099720109477"},
			NamePattern:  "ubuntu/*",
			Architecture: "x86_64",
		})
		require.NoError(t, err)
		assert.Equal(t, "ami-new", img.ID)
		assert.Equal(t, "/dev/sda1", img.RootDeviceName)
	})

	t.Run("explicit id", func(t *testing.T) {
		mock := &mockEC2Client{
			describeImagesFunc: func(_ context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
				assert.Equal(t, []string{"ami-123"}, in.ImageIds)
				assert.Empty(t, in.Filters)
				return &ec2.DescribeImagesOutput{Images: []types.Image{{ImageId: aws.String("ami-123")}}}, nil
			},
		}
		img, err := NewWithClient(mock, Config{}).LookupImage(context.Background(), stack.ImageQuery{ID: "ami-123"})
		require.NoError(t, err)
		assert.Equal(t, "ami-123", img.ID)
	})

	t.Run("no match", func(t *testing.T) {
		_, err := NewWithClient(&mockEC2Client{}, Config{}).LookupImage(context.Background(), stack.ImageQuery{NamePattern: "nothing-*"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("malformed id", func(t *testing.T) {
		mock := &mockEC2Client{
			describeImagesFunc: func(context.Context, *ec2.DescribeImagesInput, ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
				return nil, &smithy.GenericAPIError{Code: "InvalidAMIID.Malformed"}
			},
		}
		_, err := NewWithClient(mock, Config{}).LookupImage(context.Background(), stack.ImageQuery{ID: "ami-?"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
