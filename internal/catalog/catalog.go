package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jogardn/golocal-storefront/internal/apperr"
	"github.com/jogardn/golocal-storefront/pkg/models"
)

// Source lists products. An empty category lists everything.
type Source interface {
	List(ctx context.Context, category string) ([]models.Product, error)
	Get(ctx context.Context, id string) (*models.Product, error)
}

// StaticSource serves a fixed product list held in memory.
type StaticSource struct {
	products []models.Product
	byID     map[string]models.Product
}

func NewStaticSource(products []models.Product) *StaticSource {
	s := &StaticSource{byID: make(map[string]models.Product, len(products))}
	for _, p := range products {
		s.products = append(s.products, p)
		s.byID[p.ID] = p
	}
	sort.SliceStable(s.products, func(i, j int) bool {
		return s.products[i].Name < s.products[j].Name
	})
	return s
}

func (s *StaticSource) List(ctx context.Context, category string) ([]models.Product, error) {
	products := make([]models.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.IsActive {
			continue
		}
		if category != "" && !strings.EqualFold(p.Category, category) {
			continue
		}
		products = append(products, p)
	}
	return products, nil
}

func (s *StaticSource) Get(ctx context.Context, id string) (*models.Product, error) {
	p, ok := s.byID[id]
	if !ok || !p.IsActive {
		return nil, fmt.Errorf("product %s: %w", id, apperr.ErrNotFound)
	}
	return &p, nil
}

// Products returns every product including inactive ones.
func (s *StaticSource) Products() []models.Product {
	return append([]models.Product(nil), s.products...)
}

// Demo is the sample catalog used when no database is configured.
func Demo() *StaticSource {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	product := func(id, name, category, unit, brand string, price int64) models.Product {
		return models.Product{
			ID:            id,
			Name:          name,
			Price:         price,
			Image:         "/images/" + id + ".jpg",
			Unit:          unit,
			Brand:         brand,
			Category:      category,
			StockQuantity: 100,
			IsActive:      true,
			CreatedAt:     created,
		}
	}

	return NewStaticSource([]models.Product{
		product("fresh-milk-1l", "Fresh Milk", "dairy", "1 L", "Amul", 62),
		product("paneer-200g", "Malai Paneer", "dairy", "200 g", "Amul", 90),
		product("curd-400g", "Fresh Curd", "dairy", "400 g", "Mother Dairy", 45),
		product("banana-6", "Robusta Banana", "fruits", "6 pcs", "", 48),
		product("apple-4", "Shimla Apple", "fruits", "4 pcs", "", 160),
		product("onion-1kg", "Onion", "vegetables", "1 kg", "", 40),
		product("tomato-500g", "Tomato", "vegetables", "500 g", "", 30),
		product("atta-5kg", "Whole Wheat Atta", "staples", "5 kg", "Aashirvaad", 245),
		product("rice-1kg", "Basmati Rice", "staples", "1 kg", "India Gate", 135),
		product("chips-52g", "Classic Salted Chips", "snacks", "52 g", "Lay's", 20),
		product("biscuits-250g", "Marie Biscuits", "snacks", "250 g", "Britannia", 35),
		product("cola-750ml", "Cola", "beverages", "750 ml", "Coca-Cola", 40),
	})
}
