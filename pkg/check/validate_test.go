package check

import (
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/assert"
)

type leaf struct {
	N int `json:"n"`
}

func (l leaf) Validate() []error {
	return []error{GreaterThan(l.N, 0, "n")}
}

type ptrLeaf struct {
	S string
}

func (p *ptrLeaf) Validate() []error {
	return []error{NotEmpty(p.S, "s")}
}

type tree struct {
	Leaf    leaf            `json:"leaf"`
	Ptr     *ptrLeaf        `json:"ptr,omitempty"`
	Leaves  []leaf          `json:"leaves"`
	ByName  map[string]leaf `json:"by_name"`
	private leaf
}

func TestValidateWalksTree(t *testing.T) {
	ok := tree{
		Leaf:    leaf{N: 1},
		Ptr:     &ptrLeaf{S: "x"},
		Leaves:  []leaf{{N: 2}},
		ByName:  map[string]leaf{"a": {N: 3}},
		private: leaf{N: -1},
	}
	assert.NilError(t, Validate(ok))
	assert.NilError(t, Validate(&ok))

	bad := tree{
		Leaf:   leaf{N: 0},
		Ptr:    &ptrLeaf{},
		Leaves: []leaf{{N: 1}, {N: -2}},
		ByName: map[string]leaf{"a": {N: 0}},
	}
	err := Validate(bad)
	var verr ValidationError
	assert.Assert(t, errors.As(err, &verr))
	assert.Equal(t, len(verr.Errs), 4)
	assert.ErrorContains(t, err, "config.leaf")
	assert.ErrorContains(t, err, "config.ptr")
	assert.ErrorContains(t, err, "config.leaves[1]")
	assert.ErrorContains(t, err, "config.by_name[a]")
}

func TestContains(t *testing.T) {
	assert.NilError(t, Contains("a", []interface{}{"a", "b"}, "letter"))
	assert.ErrorContains(t, Contains("c", []interface{}{"a", "b"}, "letter"), "letter: c not in")
}
