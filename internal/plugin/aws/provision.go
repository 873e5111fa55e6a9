package aws

import (
	"context"
	"fmt"
	"net/netip"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/gosimple/slug"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/keel/pkg/stack"
)

const defaultRootDevice = "/dev/sda1"

// Tag keys set on every created resource.
const (
	TagStack  = "keel:stack"
	TagPlanID = "keel:plan-id"
)

// Submit creates the key pair, security group and instance described by the
// plan. On failure the resources created so far are returned with the error;
// nothing is rolled back.
func (p *Plugin) Submit(ctx context.Context, plan stack.Plan) (stack.Result, error) {
	result := stack.Result{
		KeyName:  plan.KeyName,
		SubnetID: plan.Subnet.SubnetID,
		Region:   p.region,
	}
	name := slug.Make(plan.StackName)

	kp, err := p.ec2Client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(plan.KeyName),
		PublicKeyMaterial: []byte(plan.Key.PublicKey),
		TagSpecifications: tagSpecs(plan, plan.KeyName, types.ResourceTypeKeyPair),
	})
	if err != nil {
		return result, &stack.ProvisioningError{Op: "import key pair", Err: err}
	}
	result.KeyPairID = aws.ToString(kp.KeyPairId)
	log.Info().Str("key_name", plan.KeyName).Str("key_pair_id", result.KeyPairID).Msg("key pair imported")

	sg, err := p.ec2Client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(name + "-sg"),
		Description:       aws.String(fmt.Sprintf("Access rules for %s", plan.StackName)),
		VpcId:             aws.String(plan.VPCID),
		TagSpecifications: tagSpecs(plan, name+"-sg", types.ResourceTypeSecurityGroup),
	})
	if err != nil {
		return result, &stack.ProvisioningError{Op: "create security group", Err: err}
	}
	result.SecurityGroupID = aws.ToString(sg.GroupId)
	log.Info().Str("security_group_id", result.SecurityGroupID).Msg("security group created")

	if err := p.authorize(ctx, result.SecurityGroupID, plan.Rules); err != nil {
		return result, err
	}

	run, err := p.ec2Client.RunInstances(ctx, runInput(plan, name, result.SecurityGroupID))
	if err != nil {
		return result, &stack.ProvisioningError{Op: "run instance", Err: err}
	}
	if len(run.Instances) == 0 {
		return result, &stack.ProvisioningError{Op: "run instance", Err: fmt.Errorf("no instance returned")}
	}
	result.InstanceID = aws.ToString(run.Instances[0].InstanceId)
	log.Info().Str("instance_id", result.InstanceID).Str("subnet_id", result.SubnetID).Msg("instance launched")

	waiter := ec2.NewInstanceRunningWaiter(p.ec2Client)
	out, err := waiter.WaitForOutput(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{result.InstanceID},
	}, p.waitTimeout)
	if err != nil {
		return result, &stack.ProvisioningError{Op: "wait for instance", Err: err}
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) != result.InstanceID {
				continue
			}
			result.PublicIP = aws.ToString(inst.PublicIpAddress)
			result.PublicDNS = aws.ToString(inst.PublicDnsName)
		}
	}

	log.Info().
		Str("instance_id", result.InstanceID).
		Str("public_ip", result.PublicIP).
		Msg("instance running")

	return result, nil
}

func (p *Plugin) authorize(ctx context.Context, groupID string, rs stack.RuleSet) error {
	var ingress []types.IpPermission
	for _, r := range rs.Ingress() {
		ingress = append(ingress, permission(r))
	}
	if len(ingress) > 0 {
		_, err := p.ec2Client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(groupID),
			IpPermissions: ingress,
		})
		if err != nil {
			return &stack.ProvisioningError{Op: "authorize ingress", Err: err}
		}
	}

	for _, r := range rs.Egress() {
		_, err := p.ec2Client.AuthorizeSecurityGroupEgress(ctx, &ec2.AuthorizeSecurityGroupEgressInput{
			GroupId:       aws.String(groupID),
			IpPermissions: []types.IpPermission{permission(r)},
		})
		// New groups already carry the allow-all egress rule.
		if err != nil && !isCode(err, "InvalidPermission.Duplicate") {
			return &stack.ProvisioningError{Op: "authorize egress", Err: err}
		}
	}
	return nil
}

func permission(r stack.SecurityRule) types.IpPermission {
	perm := types.IpPermission{IpProtocol: aws.String(r.Protocol)}
	if r.Protocol != stack.ProtocolAll {
		perm.FromPort = aws.Int32(r.FromPort)
		perm.ToPort = aws.Int32(r.ToPort)
	}

	prefix, err := netip.ParsePrefix(r.CIDR)
	if err == nil && prefix.Addr().Is6() {
		perm.Ipv6Ranges = []types.Ipv6Range{{CidrIpv6: aws.String(r.CIDR), Description: aws.String(r.Description)}}
	} else {
		perm.IpRanges = []types.IpRange{{CidrIp: aws.String(r.CIDR), Description: aws.String(r.Description)}}
	}
	return perm
}

func runInput(plan stack.Plan, name, groupID string) *ec2.RunInstancesInput {
	device := plan.Image.RootDeviceName
	if device == "" {
		device = defaultRootDevice
	}
	tokens := types.HttpTokensStateRequired
	if !plan.Hardening.RequireIMDSv2 {
		tokens = types.HttpTokensStateOptional
	}

	return &ec2.RunInstancesInput{
		ImageId:      aws.String(plan.Image.ID),
		InstanceType: types.InstanceType(plan.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		KeyName:      aws.String(plan.KeyName),
		NetworkInterfaces: []types.InstanceNetworkInterfaceSpecification{{
			DeviceIndex:              aws.Int32(0),
			SubnetId:                 aws.String(plan.Subnet.SubnetID),
			AssociatePublicIpAddress: aws.Bool(true),
			DeleteOnTermination:      aws.Bool(true),
			Groups:                   []string{groupID},
		}},
		BlockDeviceMappings: []types.BlockDeviceMapping{{
			DeviceName: aws.String(device),
			Ebs: &types.EbsBlockDevice{
				VolumeSize:          aws.Int32(plan.Hardening.RootVolumeSizeGiB),
				VolumeType:          types.VolumeTypeGp3,
				Encrypted:           aws.Bool(plan.Hardening.EncryptedRootVolume),
				DeleteOnTermination: aws.Bool(true),
			},
		}},
		MetadataOptions: &types.InstanceMetadataOptionsRequest{
			HttpEndpoint: types.InstanceMetadataEndpointStateEnabled,
			HttpTokens:   tokens,
		},
		TagSpecifications: append(
			tagSpecs(plan, name, types.ResourceTypeInstance),
			tagSpecs(plan, name, types.ResourceTypeVolume)...,
		),
	}
}

func tagSpecs(plan stack.Plan, name string, rt types.ResourceType) []types.TagSpecification {
	keys := make([]string, 0, len(plan.Tags))
	for k := range plan.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tags := []types.Tag{
		{Key: aws.String("Name"), Value: aws.String(name)},
		{Key: aws.String(TagStack), Value: aws.String(plan.StackName)},
		{Key: aws.String(TagPlanID), Value: aws.String(plan.ID)},
	}
	for _, k := range keys {
		if k == "Name" || k == TagStack || k == TagPlanID {
			continue
		}
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(plan.Tags[k])})
	}
	return []types.TagSpecification{{ResourceType: rt, Tags: tags}}
}

// Destroy removes the resources recorded in a result: the instance first,
// then the security group and key pair. Resources already gone are skipped.
func (p *Plugin) Destroy(ctx context.Context, result stack.Result) error {
	if result.InstanceID != "" {
		_, err := p.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{result.InstanceID},
		})
		switch {
		case isCode(err, "InvalidInstanceID.NotFound"):
			log.Debug().Str("instance_id", result.InstanceID).Msg("instance already gone")
		case err != nil:
			return &stack.ProvisioningError{Op: "terminate instance", Err: err}
		default:
			waiter := ec2.NewInstanceTerminatedWaiter(p.ec2Client)
			if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
				InstanceIds: []string{result.InstanceID},
			}, p.waitTimeout); err != nil {
				return &stack.ProvisioningError{Op: "wait for termination", Err: err}
			}
			log.Info().Str("instance_id", result.InstanceID).Msg("instance terminated")
		}
	}

	if result.SecurityGroupID != "" {
		_, err := p.ec2Client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
			GroupId: aws.String(result.SecurityGroupID),
		})
		switch {
		case isCode(err, "InvalidGroup.NotFound"):
			log.Debug().Str("security_group_id", result.SecurityGroupID).Msg("security group already gone")
		case err != nil:
			return &stack.ProvisioningError{Op: "delete security group", Err: err}
		default:
			log.Info().Str("security_group_id", result.SecurityGroupID).Msg("security group deleted")
		}
	}

	if result.KeyName != "" {
		_, err := p.ec2Client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{
			KeyName: aws.String(result.KeyName),
		})
		switch {
		case isCode(err, "InvalidKeyPair.NotFound"):
			log.Debug().Str("key_name", result.KeyName).Msg("key pair already gone")
		case err != nil:
			return &stack.ProvisioningError{Op: "delete key pair", Err: err}
		default:
			log.Info().Str("key_name", result.KeyName).Msg("key pair deleted")
		}
	}

	return nil
}
