package similarity

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/damacus/iron-cabinet/internal/storage"
	"github.com/damacus/iron-cabinet/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockProductSearch struct {
	mock.Mock
}

func (m *MockProductSearch) CreateProductSet(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockProductSearch) ProductsInSet(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockProductSearch) AddProduct(ctx context.Context, p Product) error {
	return m.Called(ctx, p).Error(0)
}

func (m *MockProductSearch) Search(ctx context.Context, imageURI string) ([]Hit, error) {
	args := m.Called(ctx, imageURI)
	hits, _ := args.Get(0).([]Hit)
	return hits, args.Error(1)
}

func (m *MockProductSearch) ListProducts(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	names, _ := args.Get(0).([]string)
	return names, args.Error(1)
}

func (m *MockProductSearch) DeleteProduct(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func newTestService(index ProductSearch) (*Service, *memstore.Store, *memstore.Store) {
	images := memstore.New("images-png")
	results := memstore.New("results")
	svc := NewService(index, nil, images, results, nil)
	svc.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return svc, images, results
}

func readObject(t *testing.T, b storage.Bucket, key string) string {
	t.Helper()
	r, err := b.Open(context.Background(), key)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestSetupProductSetAddsLargestFirst(t *testing.T) {
	index := new(MockProductSearch)
	svc, images, _ := newTestService(index)
	images.Put("plates/small.png", []byte("s"), "image/png")
	images.Put("plates/large.png", []byte("llllllll"), "image/png")
	images.Put("plates/notes.txt", []byte("ignored"), "text/plain")

	index.On("CreateProductSet", mock.Anything).Return(ErrAlreadyExists)
	var order []string
	index.On("AddProduct", mock.Anything, mock.AnythingOfType("similarity.Product")).
		Run(func(args mock.Arguments) { order = append(order, args.Get(1).(Product).ID) }).
		Return(nil)

	report, err := svc.SetupProductSet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Added)
	assert.Equal(t, []string{"large", "small"}, order)
	index.AssertCalled(t, "AddProduct", mock.Anything, Product{
		ID:          "large",
		DisplayName: "plates/large.png",
		ImageURI:    "gs://images-png/plates/large.png",
	})
}

func TestSetupProductSetReportsFailures(t *testing.T) {
	index := new(MockProductSearch)
	svc, images, _ := newTestService(index)
	images.Put("a.png", []byte("a"), "image/png")
	images.Put("b.png", []byte("b"), "image/png")

	index.On("CreateProductSet", mock.Anything).Return(nil)
	index.On("AddProduct", mock.Anything, mock.MatchedBy(func(p Product) bool { return p.ID == "a" })).Return(errors.New("quota exceeded"))
	index.On("AddProduct", mock.Anything, mock.MatchedBy(func(p Product) bool { return p.ID == "b" })).Return(nil)

	report, err := svc.SetupProductSet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Added)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "a.png", report.Failed[0].Key)
}

func TestVerifyCreatesMissingSet(t *testing.T) {
	index := new(MockProductSearch)
	svc, _, _ := newTestService(index)
	index.On("ProductsInSet", mock.Anything).Return(0, ErrNotFound)
	index.On("CreateProductSet", mock.Anything).Return(nil)

	ready, err := svc.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, ready)
	index.AssertExpectations(t)
}

func TestCompareRequiresReadySet(t *testing.T) {
	index := new(MockProductSearch)
	svc, _, _ := newTestService(index)
	index.On("ProductsInSet", mock.Anything).Return(0, nil)

	_, err := svc.Compare(context.Background(), CompareOptions{Threshold: DefaultThreshold})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestCompareWithoutImagesIsNotFound(t *testing.T) {
	index := new(MockProductSearch)
	svc, _, _ := newTestService(index)
	index.On("ProductsInSet", mock.Anything).Return(3, nil)

	_, err := svc.Compare(context.Background(), CompareOptions{Threshold: DefaultThreshold})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCompareFiltersAndWritesReports(t *testing.T) {
	index := new(MockProductSearch)
	svc, images, results := newTestService(index)
	images.Put("set1/a.png", []byte("a"), "image/png")
	images.Put("set1/b.png", []byte("b"), "image/png")
	images.Put("set2/c.png", []byte("c"), "image/png")

	index.On("ProductsInSet", mock.Anything).Return(3, nil)
	index.On("Search", mock.Anything, "gs://images-png/set1/a.png").Return([]Hit{
		{DisplayName: "set1/a.png", Score: 1},
		{DisplayName: "set1/b.png", Score: 0.95},
		{DisplayName: "set2/c.png", Score: 0.5},
	}, nil)
	index.On("Search", mock.Anything, "gs://images-png/set1/b.png").Return(nil, errors.New("deadline exceeded"))
	index.On("Search", mock.Anything, "gs://images-png/set2/c.png").Return([]Hit{
		{DisplayName: "set2/c.png", Score: 1},
	}, nil)

	cmp, err := svc.Compare(context.Background(), CompareOptions{Threshold: 0.9, FilteredCSV: true, JSONResults: true})
	require.NoError(t, err)

	assert.Equal(t, 3, cmp.ImageCount)
	assert.Equal(t, 2, cmp.TotalComparisons)
	assert.Equal(t, []Match{{BaseImage: "set1/a.png", SimilarImage: "set1/b.png", Folder: "set1", Score: 0.95}}, cmp.Comparisons)
	assert.Equal(t, []string{
		"image_comparison_1700000000000_full.csv",
		"image_comparison_1700000000000.csv",
		"image_comparison_results_1700000000000.json",
	}, cmp.Reports)

	full := readObject(t, results, "image_comparison_1700000000000_full.csv")
	lines := strings.Split(strings.TrimSpace(full), "\n")
	assert.Equal(t, "baseImage,similarImage,folder,score", lines[0])
	assert.Len(t, lines, 3)

	var stored []Match
	require.NoError(t, json.Unmarshal([]byte(readObject(t, results, "image_comparison_results_1700000000000.json")), &stored))
	assert.Equal(t, cmp.Comparisons, stored)
}

func TestMatchesCSVEscapes(t *testing.T) {
	data, err := MatchesCSV([]Match{{BaseImage: "a,b.png", SimilarImage: "c.png", Folder: ".", Score: 0.75}})
	require.NoError(t, err)
	assert.Equal(t, "baseImage,similarImage,folder,score\n\"a,b.png\",c.png,.,0.75\n", string(data))
}

func TestDeleteAllProducts(t *testing.T) {
	index := new(MockProductSearch)
	svc, _, _ := newTestService(index)
	index.On("ListProducts", mock.Anything).Return([]string{"p/1", "p/2", "p/3"}, nil)
	index.On("DeleteProduct", mock.Anything, "p/1").Return(nil)
	index.On("DeleteProduct", mock.Anything, "p/2").Return(errors.New("permission denied"))

	n, err := svc.DeleteAllProducts(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, n)
	index.AssertNotCalled(t, "DeleteProduct", mock.Anything, "p/3")
}

func TestProductID(t *testing.T) {
	assert.Equal(t, "plate-01", ProductID("runs/2024/plate-01.png"))
	assert.Equal(t, "noext", ProductID("noext"))
}

func TestConvertWithoutConverterIsUnsupported(t *testing.T) {
	svc, _, _ := newTestService(new(MockProductSearch))
	_, err := svc.Convert(context.Background())
	assert.ErrorIs(t, err, storage.ErrUnsupported)
}
