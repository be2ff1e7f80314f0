package searcher

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/sweepline-ai/sweepline/pkg/model"
)

// Space declares the searched parameter domains, keyed by parameter name.
type Space map[string]Domain

// Domain is a union of the supported parameter domain types; exactly one
// member must be set.
type Domain struct {
	Const           *ConstDomain           `json:"const,omitempty"`
	Discrete        *DiscreteDomain        `json:"discrete,omitempty"`
	TruncatedNormal *TruncatedNormalDomain `json:"truncated_normal,omitempty"`
}

// ConstDomain pins a parameter to a single value.
type ConstDomain struct {
	Val interface{} `json:"val"`
}

// DiscreteDomain enumerates the allowed values of a parameter.
type DiscreteDomain struct {
	Vals []interface{} `json:"vals"`
}

// TruncatedNormalDomain describes a normal distribution truncated to
// [Minval, Maxval]. With Log set, the distribution is over ln(value): Minval,
// Maxval and Mean stay in the original (positive) domain while Stddev is the
// standard deviation in log space. With Integer set, samples are rounded.
type TruncatedNormalDomain struct {
	Mean    float64 `json:"mean"`
	Stddev  float64 `json:"stddev"`
	Minval  float64 `json:"minval"`
	Maxval  float64 `json:"maxval"`
	Log     bool    `json:"log,omitempty"`
	Integer bool    `json:"integer,omitempty"`
}

// Validate implements the check.Validatable interface.
func (d Domain) Validate() []error {
	count := 0
	if d.Const != nil {
		count++
	}
	if d.Discrete != nil {
		count++
	}
	if d.TruncatedNormal != nil {
		count++
	}
	if count != 1 {
		return []error{errors.Errorf("exactly one domain type must be set, got %d", count)}
	}
	if d.Discrete != nil && len(d.Discrete.Vals) == 0 {
		return []error{errors.New("discrete domain must declare at least one value")}
	}
	if tn := d.TruncatedNormal; tn != nil {
		var errs []error
		if tn.Stddev <= 0 {
			errs = append(errs, errors.Errorf("stddev must be positive, got %v", tn.Stddev))
		}
		if tn.Minval >= tn.Maxval {
			errs = append(errs, errors.Errorf("minval %v must be below maxval %v", tn.Minval, tn.Maxval))
		}
		if tn.Log && tn.Minval <= 0 {
			errs = append(errs, errors.Errorf("log domain requires positive minval, got %v", tn.Minval))
		}
		if tn.Mean < tn.Minval || tn.Mean > tn.Maxval {
			errs = append(errs, errors.Errorf("mean %v outside [%v, %v]", tn.Mean, tn.Minval, tn.Maxval))
		}
		return errs
	}
	return nil
}

// Contains reports whether the value lies in the domain's support.
func (d Domain) Contains(val interface{}) bool {
	switch {
	case d.Const != nil:
		return scalarEqual(d.Const.Val, val)
	case d.Discrete != nil:
		for _, v := range d.Discrete.Vals {
			if scalarEqual(v, val) {
				return true
			}
		}
		return false
	case d.TruncatedNormal != nil:
		f, ok := toFloat(val)
		if !ok {
			return false
		}
		tn := d.TruncatedNormal
		if tn.Integer && f != math.Trunc(f) {
			return false
		}
		return f >= tn.Minval && f <= tn.Maxval
	default:
		return false
	}
}

// ValidateParams checks a proposed parameter assignment against the declared
// space. Any violation indicates an optimizer or configuration bug and is
// fatal to the run.
func ValidateParams(space Space, params model.Params) error {
	for name, domain := range space {
		val, ok := params[name]
		if !ok {
			return errors.Errorf("proposal is missing parameter %q", name)
		}
		if !domain.Contains(val) {
			return errors.Errorf("proposed value %v for parameter %q is outside the declared support", val, name)
		}
	}
	return nil
}

// scalarEqual compares JSON-compatible scalar values, unifying the numeric
// types that json decoding and Go literals produce.
func scalarEqual(a, b interface{}) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		return fa == fb
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

func mustFloat(v interface{}) float64 {
	f, ok := toFloat(v)
	if !ok {
		panic(fmt.Sprintf("expected numeric value, got %T", v))
	}
	return f
}
