package boxing

import (
	"strings"

	"github.com/gomlx/boxing/types/boxerr"
	"github.com/gomlx/boxing/types/shardy"
	"github.com/gomlx/boxing/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Redistribute returns tensor, placed according to src, placed according to dst instead.
//
// Every rank of the meshes of src and dst must call it, with the same descriptors, in the same order
// relative to the other collective work of those ranks. Ranks outside both meshes may call it too: they get a
// descriptor-only tensor.
//
// The rules of the Context's registry are tried in registration order and the first feasible one is executed.
// It returns an error matching boxerr.ErrUnsupportedTransition, listing why each rule was rejected, if there is
// none. The returned tensor's shard may still be in the making: see tensors.Local.Wait.
func (c *Context) Redistribute(tensor *tensors.Consistent, src, dst *tensors.Descriptor) (*tensors.Consistent, error) {
	if tensor == nil || tensor.Descriptor() == nil {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration, "Redistribute requires a consistent tensor")
	}
	if src == nil || dst == nil {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration, "Redistribute requires source and destination descriptors")
	}
	if tensor.Descriptor() != src {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration, "tensor is %s, but redistribution is from %s",
			tensor.Descriptor(), src)
	}
	if !src.Shape().Equal(dst.Shape()) {
		return nil, boxerr.Errorf(boxerr.ErrShapeMismatch,
			"cannot redistribute a tensor of shape %s to a descriptor of shape %s", src.Shape(), dst.Shape())
	}
	if c.IsMember(src.Mesh()) != tensor.IsMember() {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration, "rank %d membership of %s doesn't match tensor %s",
			c.Rank(), src.Mesh(), tensor)
	}
	rule, err := c.RuleFor(src, dst)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("rank %d: redistributing %s from %s to %s with rule %q",
		c.Rank(), src.Shape(), src.Placement(), dst.Placement(), rule.Name)
	output, err := rule.Executor(c, tensor, dst)
	if err != nil {
		return nil, errors.WithMessagef(err, "rule %q failed redistributing %s from %s to %s",
			rule.Name, src.Shape(), src.Placement(), dst.Placement())
	}
	if output == nil || output.Descriptor() != dst {
		return nil, errors.Errorf("rule %q returned %v, expected a tensor described by %s", rule.Name, output, dst)
	}
	return output, nil
}

// RedistributeTo is a shortcut to Redistribute from the tensor's own descriptor to the one of the same logical
// shape placed with dst.
func (c *Context) RedistributeTo(tensor *tensors.Consistent, dst *shardy.PlacedDistribution) (*tensors.Consistent, error) {
	if tensor == nil || tensor.Descriptor() == nil {
		return nil, boxerr.Errorf(boxerr.ErrConfiguration, "Redistribute requires a consistent tensor")
	}
	dstDesc, err := tensors.NewDescriptor(tensor.Descriptor().Shape(), dst)
	if err != nil {
		return nil, err
	}
	return c.Redistribute(tensor, tensor.Descriptor(), dstDesc)
}

// RuleFor returns the rule Redistribute uses to go from src to dst: the first feasible one in registration order.
// Decisions are cached.
func (c *Context) RuleFor(src, dst *tensors.Descriptor) (*Rule, error) {
	return c.rules.Get(transition{src: src, dst: dst})
}

func (c *Context) selectRule(t transition) (*Rule, error) {
	logical := t.src.Shape()
	var reasons strings.Builder
	for _, rule := range c.registry.Rules() {
		err := rule.Feasibility(t.src.Placement(), t.dst.Placement(), logical)
		if err == nil {
			klog.V(2).Infof("rank %d: rule %q selected for %s -> %s", c.Rank(), rule.Name, t.src, t.dst)
			return rule, nil
		}
		reasons.WriteString("\n\t")
		reasons.WriteString(rule.Name)
		reasons.WriteString(": ")
		reasons.WriteString(err.Error())
	}
	return nil, boxerr.Errorf(boxerr.ErrUnsupportedTransition, "no rule to redistribute %s from %s to %s:%s",
		logical, shardy.DescribePlacement(t.src.Placement()), shardy.DescribePlacement(t.dst.Placement()),
		reasons.String())
}
