package logging

import (
	"context"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func TestNewContextWithID(t *testing.T) {
	assert := require.New(t)

	ctx1, err := NewContextWithID(context.Background())
	assert.NoError(err)
	ctx2, err := NewContextWithID(context.Background())
	assert.NoError(err)

	id1, ok := ctx1.Value(ContextIDKey).(uuid.UUID)
	assert.True(ok)
	id2, ok := ctx2.Value(ContextIDKey).(uuid.UUID)
	assert.True(ok)

	assert.NotEqual(uuid.Nil, id1)
	assert.NotEqual(id1, id2)
}

func TestUnaryServerCtxIDInterceptor(t *testing.T) {
	assert := require.New(t)

	var ctxID interface{}
	resp, err := UnaryServerCtxIDInterceptor(context.Background(), "req", &grpc.UnaryServerInfo{}, func(ctx context.Context, req interface{}) (interface{}, error) {
		ctxID = ctx.Value(ContextIDKey)
		return "resp", nil
	})
	assert.NoError(err)
	assert.Equal("resp", resp)

	id, ok := ctxID.(uuid.UUID)
	assert.True(ok)
	assert.NotEqual(uuid.Nil, id)
}
