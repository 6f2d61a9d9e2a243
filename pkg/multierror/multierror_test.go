package multierror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAccumulatesAcrossCalls(t *testing.T) {
	e1 := errors.New("disk 0 failed")
	e2 := errors.New("disk 1 failed")
	e3 := errors.New("disk 2 failed")

	var merr error
	merr = e1
	merr = Append(merr, e2)
	merr = Append(merr, e3)

	me, ok := merr.(*MultiError)
	require.True(t, ok)
	require.Equal(t, []error{e1, e2, e3}, me.Errors())
}

func TestAppendNilBaseStartsFresh(t *testing.T) {
	e1 := errors.New("boom")
	var merr error
	merr = Append(merr, e1)

	me, ok := merr.(*MultiError)
	require.True(t, ok)
	require.Equal(t, []error{e1}, me.Errors())
}

func TestAppendNoNewErrorsReturnsUnchanged(t *testing.T) {
	e1 := errors.New("boom")
	require.Equal(t, e1, Append(e1))
}

func TestMultiErrorIs(t *testing.T) {
	sentinel := errors.New("sentinel")
	var merr error
	merr = Append(merr, sentinel, errors.New("other"))

	require.True(t, errors.Is(merr, sentinel))
}
