// Package collection implements the paginated query service over the record store.
package collection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"project-feed/internal/models"
	"project-feed/internal/store"
)

const (
	DefaultLimit = 10
	DefaultMax   = 100
)

// ErrInvalidTitle is returned when a title update carries an empty title
var ErrInvalidTitle = errors.New("title must not be empty")

// Service answers page queries and title mutations.
//
// GetPage reads the row window and the total count concurrently. The two reads are
// not taken from one snapshot, so under concurrent inserts TotalPages can briefly
// disagree with the rows returned.
type Service struct {
	store        store.Store
	defaultLimit int
	maxLimit     int
	now          func() time.Time
	logger       *logrus.Logger
}

// NewService creates a service with the given default and maximum page sizes.
// A maxLimit of 0 disables clamping.
func NewService(s store.Store, defaultLimit, maxLimit int, logger *logrus.Logger) *Service {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	return &Service{
		store:        s,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
		now:          time.Now,
		logger:       logger,
	}
}

// Normalize applies the fallback policy to raw page and limit values
func (s *Service) Normalize(page, limit int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if s.maxLimit > 0 && limit > s.maxLimit {
		limit = s.maxLimit
	}
	return page, limit
}

// ParseParams parses query string values, falling back to defaults on bad input
func (s *Service) ParseParams(rawPage, rawLimit string) (int, int) {
	page, _ := strconv.Atoi(strings.TrimSpace(rawPage))
	limit, _ := strconv.Atoi(strings.TrimSpace(rawLimit))
	return s.Normalize(page, limit)
}

// GetPage returns page n of the collection ordered newest first
func (s *Service) GetPage(ctx context.Context, page, limit int) (models.Page, error) {
	page, limit = s.Normalize(page, limit)
	offset := (page - 1) * limit

	var records []models.Record
	var total int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		records, err = s.store.List(gctx, limit, offset)
		return err
	})
	g.Go(func() error {
		var err error
		total, err = s.store.Count(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return models.Page{}, fmt.Errorf("get page %d: %w", page, err)
	}

	s.logger.Debugf("Served page %d (limit %d): %d of %d records", page, limit, len(records), total)
	return models.Page{
		Records: records,
		Pagination: models.Pagination{
			Page:         page,
			Limit:        limit,
			TotalRecords: total,
			TotalPages:   models.TotalPages(total, limit),
		},
	}, nil
}

// UpdateTitle renames a record. The store's change capture announces the change.
func (s *Service) UpdateTitle(ctx context.Context, id int64, title string) (models.Record, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return models.Record{}, ErrInvalidTitle
	}
	rec, err := s.store.UpdateTitle(ctx, id, title)
	if err != nil {
		return models.Record{}, err
	}
	s.logger.Infof("Updated title of project %d", id)
	return rec, nil
}

// Create adds a new record stamped with the current time
func (s *Service) Create(ctx context.Context, title, status string) (models.Record, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return models.Record{}, ErrInvalidTitle
	}
	if status == "" {
		status = "active"
	}
	return s.store.Insert(ctx, title, status, s.now())
}
