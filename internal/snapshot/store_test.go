package snapshot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Load(ctx, "forest")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	require.NoError(t, s.Save(ctx, "forest", []byte(`{"v":1}`)))
	got, err := s.Load(ctx, "forest")
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(got))

	require.NoError(t, s.Save(ctx, "forest", []byte(`{"v":2}`)))
	got, err = s.Load(ctx, "forest")
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(got))

	_, err = s.Load(ctx, "drift")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	storeContract(t, m)
	assert.Equal(t, 2, m.Saves())
}

func TestMemoryStoreCopies(t *testing.T) {
	m := NewMemoryStore()
	buf := []byte("abc")
	require.NoError(t, m.Save(context.Background(), "x", buf))
	buf[0] = 'z'
	got, err := m.Load(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestFileStore(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	storeContract(t, fs)
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, fs.Save(context.Background(), "forest", []byte("data")))
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "forest.json", entries[0].Name())
	assert.Equal(t, filepath.Join(dir, "forest.json"), fs.Path("forest"))
}

func TestFileStoreCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, fs.Save(context.Background(), "m", []byte("1")))
	_, err = os.Stat(filepath.Join(dir, "m.json"))
	assert.NoError(t, err)
}

func TestFileStoreConcurrentSaves(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	payloads := [][]byte{
		bytes.Repeat([]byte("a"), 4096),
		bytes.Repeat([]byte("b"), 4096),
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(p []byte) {
			defer wg.Done()
			assert.NoError(t, fs.Save(context.Background(), "forest", p))
		}(payloads[i%2])
	}
	wg.Wait()

	got, err := fs.Load(context.Background(), "forest")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(got, payloads[0]) || bytes.Equal(got, payloads[1]), "torn snapshot")
}

func TestFileStoreRejectsBadNames(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	for _, name := range []string{"", "..", "a/b", `a\b`} {
		assert.Error(t, fs.Save(context.Background(), name, []byte("x")), name)
		_, err := fs.Load(context.Background(), name)
		assert.Error(t, err, name)
	}
}

func TestFileStoreHonorsContext(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, fs.Save(ctx, "m", []byte("x")), context.Canceled)
}

func TestNewFileStoreRequiresDir(t *testing.T) {
	_, err := NewFileStore("")
	assert.Error(t, err)
}

// fakeObjects is an in-memory ObjectAPI.
type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func (f *fakeObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	fake := &fakeObjects{objects: map[string][]byte{}}
	s := NewS3StoreWithClient(fake, "models", "sentinel/")
	storeContract(t, s)

	_, ok := fake.objects["models/sentinel/forest.json"]
	assert.True(t, ok, "object stored under prefixed key")
}

func TestS3StorePutError(t *testing.T) {
	fake := &fakeObjects{objects: map[string][]byte{}, putErr: errors.New("access denied")}
	s := NewS3StoreWithClient(fake, "models", "")
	err := s.Save(context.Background(), "forest", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{})
	assert.Error(t, err)
}
