package util_test

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/quantumlab/labseq/util"
)

func ExampleIntSliceToCSV() {
	fmt.Println(util.IntSliceToCSV([]int{1, 2, 3, 4, 5}))
	// Output: 1,2,3,4,5
}

func TestErrorCollectionEmpty(t *testing.T) {
	var ec util.ErrorCollection
	ec.Add(nil)
	assert.NoError(t, ec.GetErrIfAny())
	assert.Zero(t, ec.Len())
}

func TestErrorCollectionJoinsAndMatches(t *testing.T) {
	errA := errors.New("camera cam0 did not arm")
	errB := errors.New("camera cam1 did not arm")
	var ec util.ErrorCollection
	ec.Add(errors.Wrap(errA, "arm"))
	assert.True(t, errors.Is(ec.GetErrIfAny(), errA))
	ec.Add(errB)
	err := ec.GetErrIfAny()
	assert.Equal(t, "arm: camera cam0 did not arm; camera cam1 did not arm", err.Error())
	assert.True(t, errors.Is(err, errA))
	assert.True(t, errors.Is(err, errB))
	assert.Equal(t, 2, ec.Len())
}
