package types_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/xerrors"

	"github.com/envoyproxy/dependency-check/types"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.Kind
	}{
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: "",
		},
		{
			name: "kind error",
			err:  types.NewError(types.KindDepMetadata, "libfoo", errors.New("no tag")),
			want: types.KindDepMetadata,
		},
		{
			name: "wrapped kind error",
			err: xerrors.Errorf("resolve: %w",
				types.NewError(types.KindForgeClient, "", errors.New("404"))),
			want: types.KindForgeClient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, types.KindOf(tt.err))
		})
	}
}

func TestError(t *testing.T) {
	cause := errors.New("no tag")
	err := types.NewError(types.KindDepMetadata, "libfoo", cause)
	assert.Equal(t, "DEP_METADATA: libfoo: no tag", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, types.Is(err, types.KindDepMetadata))

	assert.Nil(t, types.NewError(types.KindCVEIndex, "", nil))
	assert.True(t, types.KindCVE.IsFinding())
	assert.False(t, types.KindTimeout.IsFinding())
}
