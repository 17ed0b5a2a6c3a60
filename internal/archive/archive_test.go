package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type putterStub struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (p *putterStub) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	p.input = in
	if in.Body != nil {
		p.body, _ = io.ReadAll(in.Body)
	}
	if p.err != nil {
		return nil, p.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestKey(t *testing.T) {
	at := time.Date(2026, 2, 7, 23, 30, 0, 0, time.FixedZone("X", -3*3600))
	assert.Equal(t, "submissions/2026/02/08/abc.pdf", Key("abc", at))
}

func TestS3ArchivePut(t *testing.T) {
	stub := &putterStub{}
	a := NewS3WithClient(stub, "uploads")

	require.NoError(t, a.Put(context.Background(), "submissions/2026/01/01/x.pdf", []byte("%PDF-1.7")))
	assert.Equal(t, "uploads", aws.ToString(stub.input.Bucket))
	assert.Equal(t, "submissions/2026/01/01/x.pdf", aws.ToString(stub.input.Key))
	assert.Equal(t, "application/pdf", aws.ToString(stub.input.ContentType))
	assert.Equal(t, int64(8), aws.ToInt64(stub.input.ContentLength))
	assert.Equal(t, "%PDF-1.7", string(stub.body))
}

func TestS3ArchivePutWrapsErrors(t *testing.T) {
	boom := errors.New("access denied")
	a := NewS3WithClient(&putterStub{err: boom}, "uploads")
	err := a.Put(context.Background(), "k", nil)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "archive: put k")
}

func TestNewS3RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), Options{})
	require.Error(t, err)
}

func TestNoop(t *testing.T) {
	var a Archive = Noop{}
	assert.NoError(t, a.Put(context.Background(), "k", []byte("x")))
}
