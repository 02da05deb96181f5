package similarity

import (
	"context"
	"errors"
	"fmt"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// VisionConfig addresses one product set.
type VisionConfig struct {
	ProjectID    string
	Location     string
	ProductSetID string
	Category     string
}

func (c VisionConfig) locationPath() string {
	return fmt.Sprintf("projects/%s/locations/%s", c.ProjectID, c.Location)
}

func (c VisionConfig) productSetPath() string {
	return fmt.Sprintf("%s/productSets/%s", c.locationPath(), c.ProductSetID)
}

func (c VisionConfig) productPath(id string) string {
	return fmt.Sprintf("%s/products/%s", c.locationPath(), id)
}

// VisionIndex implements ProductSearch with the Cloud Vision product search API.
type VisionIndex struct {
	cfg       VisionConfig
	products  *vision.ProductSearchClient
	annotator *vision.ImageAnnotatorClient
}

var _ ProductSearch = (*VisionIndex)(nil)

// NewVisionIndex dials both Vision clients.
func NewVisionIndex(ctx context.Context, cfg VisionConfig, opts ...option.ClientOption) (*VisionIndex, error) {
	if cfg.Category == "" {
		cfg.Category = DefaultCategory
	}
	products, err := vision.NewProductSearchClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("product search client: %w", err)
	}
	annotator, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		products.Close()
		return nil, fmt.Errorf("image annotator client: %w", err)
	}
	return &VisionIndex{cfg: cfg, products: products, annotator: annotator}, nil
}

// Close releases both clients.
func (v *VisionIndex) Close() error {
	return errors.Join(v.products.Close(), v.annotator.Close())
}

func mapStatus(err error) error {
	switch status.Code(err) {
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	case codes.NotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func (v *VisionIndex) CreateProductSet(ctx context.Context) error {
	_, err := v.products.CreateProductSet(ctx, &visionpb.CreateProductSetRequest{
		Parent:       v.cfg.locationPath(),
		ProductSetId: v.cfg.ProductSetID,
		ProductSet:   &visionpb.ProductSet{DisplayName: v.cfg.ProductSetID},
	})
	return mapStatus(err)
}

func (v *VisionIndex) ProductsInSet(ctx context.Context) (int, error) {
	if _, err := v.products.GetProductSet(ctx, &visionpb.GetProductSetRequest{Name: v.cfg.productSetPath()}); err != nil {
		return 0, mapStatus(err)
	}
	it := v.products.ListProductsInProductSet(ctx, &visionpb.ListProductsInProductSetRequest{Name: v.cfg.productSetPath()})
	n := 0
	for {
		_, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return n, nil
		}
		if err != nil {
			return n, mapStatus(err)
		}
		n++
	}
}

// AddProduct creates the product, links it to the set and attaches its
// reference image.
func (v *VisionIndex) AddProduct(ctx context.Context, p Product) error {
	created, err := v.products.CreateProduct(ctx, &visionpb.CreateProductRequest{
		Parent:    v.cfg.locationPath(),
		ProductId: p.ID,
		Product: &visionpb.Product{
			DisplayName:     p.DisplayName,
			ProductCategory: v.cfg.Category,
		},
	})
	if err != nil {
		return fmt.Errorf("create product %s: %w", p.ID, mapStatus(err))
	}
	err = v.products.AddProductToProductSet(ctx, &visionpb.AddProductToProductSetRequest{
		Name:    v.cfg.productSetPath(),
		Product: created.GetName(),
	})
	if err != nil {
		return fmt.Errorf("add product %s to set: %w", p.ID, mapStatus(err))
	}
	_, err = v.products.CreateReferenceImage(ctx, &visionpb.CreateReferenceImageRequest{
		Parent:         v.cfg.productPath(p.ID),
		ReferenceImage: &visionpb.ReferenceImage{Uri: p.ImageURI},
	})
	if err != nil {
		return fmt.Errorf("reference image for %s: %w", p.ID, mapStatus(err))
	}
	return nil
}

func (v *VisionIndex) Search(ctx context.Context, imageURI string) ([]Hit, error) {
	resp, err := v.annotator.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image:    &visionpb.Image{Source: &visionpb.ImageSource{ImageUri: imageURI}},
			Features: []*visionpb.Feature{{Type: visionpb.Feature_PRODUCT_SEARCH}},
			ImageContext: &visionpb.ImageContext{
				ProductSearchParams: &visionpb.ProductSearchParams{
					ProductSet:        v.cfg.productSetPath(),
					ProductCategories: []string{v.cfg.Category},
				},
			},
		}},
	})
	if err != nil {
		return nil, mapStatus(err)
	}
	if len(resp.GetResponses()) == 0 {
		return nil, nil
	}
	r := resp.GetResponses()[0]
	if e := r.GetError(); e != nil && e.GetCode() != 0 {
		return nil, fmt.Errorf("annotate %s: %s", imageURI, e.GetMessage())
	}
	var hits []Hit
	for _, res := range r.GetProductSearchResults().GetResults() {
		hits = append(hits, Hit{DisplayName: res.GetProduct().GetDisplayName(), Score: res.GetScore()})
	}
	return hits, nil
}

func (v *VisionIndex) ListProducts(ctx context.Context) ([]string, error) {
	it := v.products.ListProducts(ctx, &visionpb.ListProductsRequest{Parent: v.cfg.locationPath()})
	var names []string
	for {
		p, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return names, mapStatus(err)
		}
		names = append(names, p.GetName())
	}
}

func (v *VisionIndex) DeleteProduct(ctx context.Context, name string) error {
	return mapStatus(v.products.DeleteProduct(ctx, &visionpb.DeleteProductRequest{Name: name}))
}
