package doppelganger

import (
	"context"
	"testing"

	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrynode/validator/types"
)

type fakeMBN struct {
	liveness []*apiv1.ValidatorLiveness
	err      error
}

func (f *fakeMBN) GetLiveness(ctx context.Context, epoch types.Epoch, indices []phase0.ValidatorIndex) ([]*apiv1.ValidatorLiveness, error) {
	return f.liveness, f.err
}

func TestRaiseIfDetectedNoDoppelgangers(t *testing.T) {
	d := &Detector{mbn: &fakeMBN{liveness: []*apiv1.ValidatorLiveness{
		{Index: 1, IsLive: false},
		{Index: 2, IsLive: false},
	}}, log: logrus.NewEntry(logrus.New())}

	err := d.raiseIfDetected(context.Background(), 0, nil)

	assert.NoError(t, err)
}

func TestRaiseIfDetectedSingleDoppelganger(t *testing.T) {
	d := &Detector{mbn: &fakeMBN{liveness: []*apiv1.ValidatorLiveness{
		{Index: 1, IsLive: true},
		{Index: 2, IsLive: false},
	}}, log: logrus.NewEntry(logrus.New())}

	err := d.raiseIfDetected(context.Background(), 0, nil)

	require.Error(t, err)
	var detected *Detected
	require.ErrorAs(t, err, &detected)
	assert.Equal(t, []uint64{1}, detected.Indices)
}

func TestRaiseIfDetectedMultipleDoppelgangers(t *testing.T) {
	d := &Detector{mbn: &fakeMBN{liveness: []*apiv1.ValidatorLiveness{
		{Index: 1, IsLive: true},
		{Index: 2, IsLive: true},
		{Index: 3, IsLive: true},
	}}, log: logrus.NewEntry(logrus.New())}

	err := d.raiseIfDetected(context.Background(), 0, nil)

	require.Error(t, err)
	var detected *Detected
	require.ErrorAs(t, err, &detected)
	assert.Len(t, detected.Indices, 3)
}
