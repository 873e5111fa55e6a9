package aws

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/keel/internal/rules"
	"github.com/yairfalse/keel/pkg/stack"
)

func testPlan(t *testing.T) stack.Plan {
	t.Helper()
	rs, err := rules.Build("203.0.113.10/32", "2001:db8::/48")
	require.NoError(t, err)
	return stack.Plan{
		ID:           "plan-1",
		StackName:    "Rolling Stack",
		Region:       "us-east-1",
		VPCID:        "vpc-1",
		Image:        stack.Image{ID: "ami-123", RootDeviceName: "/dev/xvda"},
		InstanceType: "t3.micro",
		Subnet:       stack.Resolution{SubnetID: "subnet-b", Index: 1, CandidateCount: 2},
		Rules:        rs,
		Key:          stack.KeyMaterial{Algorithm: stack.AlgorithmED25519, PublicKey: "ssh-ed25519 AAAA test\n"},
		KeyName:      "rolling-key",
		Hardening:    stack.DefaultHardening(),
		Tags:         map[string]string{"Project": "rolling", "Name": "ignored"},
	}
}

func runningInstance(id string) func(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return func(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
		return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{Instances: []types.Instance{{
			InstanceId:      aws.String(id),
			State:           &types.InstanceState{Name: types.InstanceStateNameRunning},
			PublicIpAddress: aws.String("198.51.100.7"),
			PublicDnsName:   aws.String("ec2-198-51-100-7.compute-1.amazonaws.com"),
		}}}}}, nil
	}
}

func provisioningMock() *mockEC2Client {
	return &mockEC2Client{
		importKeyPairFunc: func(context.Context, *ec2.ImportKeyPairInput, ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error) {
			return &ec2.ImportKeyPairOutput{KeyPairId: aws.String("key-0abc"), KeyName: aws.String("rolling-key")}, nil
		},
		createSecurityGroupFunc: func(context.Context, *ec2.CreateSecurityGroupInput, ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
			return &ec2.CreateSecurityGroupOutput{GroupId: aws.String("sg-0123")}, nil
		},
		runInstancesFunc: func(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
			return &ec2.RunInstancesOutput{Instances: []types.Instance{{InstanceId: aws.String("i-0abc")}}}, nil
		},
		describeInstancesFunc: runningInstance("i-0abc"),
	}
}

func TestSubmit(t *testing.T) {
	mock := provisioningMock()

	var sgIn *ec2.CreateSecurityGroupInput
	mock.createSecurityGroupFunc = func(_ context.Context, in *ec2.CreateSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
		sgIn = in
		return &ec2.CreateSecurityGroupOutput{GroupId: aws.String("sg-0123")}, nil
	}
	var ingressIn *ec2.AuthorizeSecurityGroupIngressInput
	mock.authorizeIngressFunc = func(_ context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
		ingressIn = in
		return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
	}
	mock.authorizeEgressFunc = func(context.Context, *ec2.AuthorizeSecurityGroupEgressInput, ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupEgressOutput, error) {
		return nil, &smithy.GenericAPIError{Code: "InvalidPermission.Duplicate", Message: "rule exists"}
	}
	var runIn *ec2.RunInstancesInput
	mock.runInstancesFunc = func(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
		runIn = in
		return &ec2.RunInstancesOutput{Instances: []types.Instance{{InstanceId: aws.String("i-0abc")}}}, nil
	}

	p := NewWithClient(mock, Config{Region: "us-east-1", WaitTimeout: time.Minute})
	result, err := p.Submit(context.Background(), testPlan(t))
	require.NoError(t, err)

	assert.Equal(t, stack.Result{
		InstanceID:      "i-0abc",
		PublicIP:        "198.51.100.7",
		PublicDNS:       "ec2-198-51-100-7.compute-1.amazonaws.com",
		SecurityGroupID: "sg-0123",
		KeyPairID:       "key-0abc",
		KeyName:         "rolling-key",
		SubnetID:        "subnet-b",
		Region:          "us-east-1",
	}, result)

	assert.Equal(t, "rolling-stack-sg", aws.ToString(sgIn.GroupName))
	assert.Equal(t, "vpc-1", aws.ToString(sgIn.VpcId))

	require.Len(t, ingressIn.IpPermissions, 2)
	ssh := ingressIn.IpPermissions[0]
	assert.Equal(t, int32(22), aws.ToInt32(ssh.FromPort))
	assert.Equal(t, "203.0.113.10/32", aws.ToString(ssh.IpRanges[0].CidrIp))
	http := ingressIn.IpPermissions[1]
	assert.Equal(t, int32(5001), aws.ToInt32(http.ToPort))
	require.Len(t, http.Ipv6Ranges, 1)
	assert.Equal(t, "2001:db8::/48", aws.ToString(http.Ipv6Ranges[0].CidrIpv6))

	assert.Equal(t, "ami-123", aws.ToString(runIn.ImageId))
	assert.Equal(t, types.InstanceType("t3.micro"), runIn.InstanceType)
	assert.Equal(t, "rolling-key", aws.ToString(runIn.KeyName))
	assert.Equal(t, "subnet-b", aws.ToString(runIn.NetworkInterfaces[0].SubnetId))
	assert.Equal(t, []string{"sg-0123"}, runIn.NetworkInterfaces[0].Groups)
	assert.True(t, aws.ToBool(runIn.NetworkInterfaces[0].AssociatePublicIpAddress))
	assert.Equal(t, types.HttpTokensStateRequired, runIn.MetadataOptions.HttpTokens)

	ebs := runIn.BlockDeviceMappings[0]
	assert.Equal(t, "/dev/xvda", aws.ToString(ebs.DeviceName))
	assert.True(t, aws.ToBool(ebs.Ebs.Encrypted))
	assert.Equal(t, int32(8), aws.ToInt32(ebs.Ebs.VolumeSize))
	assert.Equal(t, types.VolumeTypeGp3, ebs.Ebs.VolumeType)

	require.Len(t, runIn.TagSpecifications, 2)
	tags := runIn.TagSpecifications[0].Tags
	assert.Equal(t, "Name", aws.ToString(tags[0].Key))
	assert.Equal(t, "rolling-stack", aws.ToString(tags[0].Value))
	assert.Equal(t, TagStack, aws.ToString(tags[1].Key))
	assert.Equal(t, "plan-1", aws.ToString(tags[2].Value))
	assert.Equal(t, "Project", aws.ToString(tags[3].Key))
	assert.Len(t, tags, 4)
}

func TestSubmit_OptionalTokens(t *testing.T) {
	mock := provisioningMock()
	var runIn *ec2.RunInstancesInput
	mock.runInstancesFunc = func(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
		runIn = in
		return &ec2.RunInstancesOutput{Instances: []types.Instance{{InstanceId: aws.String("i-0abc")}}}, nil
	}

	plan := testPlan(t)
	plan.Hardening.RequireIMDSv2 = false
	plan.Image.RootDeviceName = ""

	_, err := NewWithClient(mock, Config{}).Submit(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, types.HttpTokensStateOptional, runIn.MetadataOptions.HttpTokens)
	assert.Equal(t, defaultRootDevice, aws.ToString(runIn.BlockDeviceMappings[0].DeviceName))
}

func TestSubmit_PartialFailure(t *testing.T) {
	mock := provisioningMock()
	mock.runInstancesFunc = func(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
		return nil, &smithy.GenericAPIError{Code: "InsufficientInstanceCapacity", Message: "no capacity in us-east-1a"}
	}

	result, err := NewWithClient(mock, Config{}).Submit(context.Background(), testPlan(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, stack.ErrProvisioning)
	assert.Contains(t, err.Error(), "no capacity in us-east-1a")

	var pe *stack.ProvisioningError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "run instance", pe.Op)

	// What was created before the failure is still reported.
	assert.Equal(t, "key-0abc", result.KeyPairID)
	assert.Equal(t, "sg-0123", result.SecurityGroupID)
	assert.Empty(t, result.InstanceID)
	assert.NotContains(t, mock.calls, "TerminateInstances")
	assert.NotContains(t, mock.calls, "DeleteSecurityGroup")
}

func TestSubmit_EgressFailure(t *testing.T) {
	mock := provisioningMock()
	mock.authorizeEgressFunc = func(context.Context, *ec2.AuthorizeSecurityGroupEgressInput, ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupEgressOutput, error) {
		return nil, &smithy.GenericAPIError{Code: "UnauthorizedOperation"}
	}

	_, err := NewWithClient(mock, Config{}).Submit(context.Background(), testPlan(t))
	var pe *stack.ProvisioningError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "authorize egress", pe.Op)
	assert.NotContains(t, mock.calls, "RunInstances")
}

func TestSubmit_KeyImportFailure(t *testing.T) {
	mock := provisioningMock()
	mock.importKeyPairFunc = func(context.Context, *ec2.ImportKeyPairInput, ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error) {
		return nil, &smithy.GenericAPIError{Code: "InvalidKeyPair.Duplicate"}
	}

	result, err := NewWithClient(mock, Config{}).Submit(context.Background(), testPlan(t))
	assert.ErrorIs(t, err, stack.ErrProvisioning)
	assert.Empty(t, result.KeyPairID)
	assert.Equal(t, []string{"ImportKeyPair"}, mock.calls)
}

func TestDestroy(t *testing.T) {
	mock := &mockEC2Client{
		describeInstancesFunc: func(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{Instances: []types.Instance{{
				InstanceId: aws.String("i-0abc"),
				State:      &types.InstanceState{Name: types.InstanceStateNameTerminated},
			}}}}}, nil
		},
	}

	err := NewWithClient(mock, Config{}).Destroy(context.Background(), stack.Result{
		InstanceID:      "i-0abc",
		SecurityGroupID: "sg-0123",
		KeyName:         "rolling-key",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"TerminateInstances", "DescribeInstances", "DeleteSecurityGroup", "DeleteKeyPair"}, mock.calls)
}

func TestDestroy_IgnoresMissing(t *testing.T) {
	notFound := func(code string) error { return &smithy.GenericAPIError{Code: code} }
	mock := &mockEC2Client{
		terminateInstancesFunc: func(context.Context, *ec2.TerminateInstancesInput, ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
			return nil, notFound("InvalidInstanceID.NotFound")
		},
		deleteSecurityGroupFunc: func(context.Context, *ec2.DeleteSecurityGroupInput, ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
			return nil, notFound("InvalidGroup.NotFound")
		},
		deleteKeyPairFunc: func(context.Context, *ec2.DeleteKeyPairInput, ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error) {
			return nil, notFound("InvalidKeyPair.NotFound")
		},
	}

	var buf bytes.Buffer
	orig := log.Logger
	log.Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	defer func() { log.Logger = orig }()

	err := NewWithClient(mock, Config{}).Destroy(context.Background(), stack.Result{
		InstanceID:      "i-gone",
		SecurityGroupID: "sg-gone",
		KeyName:         "gone-key",
	})
	require.NoError(t, err)
	assert.NotContains(t, mock.calls, "DescribeInstances")

	logs := buf.String()
	assert.Contains(t, logs, "security group already gone")
	assert.Contains(t, logs, "key pair already gone")
	assert.NotContains(t, logs, "security group deleted")
	assert.NotContains(t, logs, "key pair deleted")
}

func TestDestroy_StopsOnError(t *testing.T) {
	mock := &mockEC2Client{
		deleteSecurityGroupFunc: func(context.Context, *ec2.DeleteSecurityGroupInput, ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "DependencyViolation", Message: "in use"}
		},
	}

	err := NewWithClient(mock, Config{}).Destroy(context.Background(), stack.Result{
		SecurityGroupID: "sg-0123",
		KeyName:         "rolling-key",
	})
	assert.ErrorIs(t, err, stack.ErrProvisioning)
	assert.ErrorContains(t, err, "in use")
	assert.NotContains(t, mock.calls, "DeleteKeyPair")
}
