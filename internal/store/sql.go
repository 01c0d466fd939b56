package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/switchgear-ln/switchgear/internal/model"
)

// backendRow is the discovery_backends table. Partitions and the
// implementation union are stored as JSON text so the same schema works on
// every dialect.
type backendRow struct {
	Address        string `gorm:"primaryKey;size:191"`
	Name           string
	Partitions     string
	Weight         int
	Enabled        bool
	Implementation string
}

func (backendRow) TableName() string { return "discovery_backends" }

type metadataRow struct {
	Partition  string `gorm:"primaryKey;size:191"`
	ID         string `gorm:"primaryKey;size:36"`
	Text       string
	LongText   string
	Image      string
	Identifier string
}

func (metadataRow) TableName() string { return "offer_metadata" }

type offerRow struct {
	Partition   string `gorm:"primaryKey;size:191"`
	ID          string `gorm:"primaryKey;size:36"`
	MinSendable uint64
	MaxSendable uint64
	MetadataID  string `gorm:"size:36"`
	Timestamp   time.Time
	Expires     *time.Time
}

func (offerRow) TableName() string { return "offers" }

// SQL implements the store contracts on a GORM connection.
type SQL struct {
	db *gorm.DB
	observers
}

// NewSQL migrates the schema and returns a SQL store.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if err := db.AutoMigrate(&backendRow{}, &metadataRow{}, &offerRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &SQL{db: db}, nil
}

var (
	_ DiscoveryStore = (*SQL)(nil)
	_ OfferStore     = (*SQL)(nil)
	_ MetadataStore  = (*SQL)(nil)
)

func backendToRow(b model.DiscoveryBackend) (backendRow, error) {
	partitions, err := json.Marshal(b.Partitions)
	if err != nil {
		return backendRow{}, err
	}
	impl, err := json.Marshal(b.Implementation)
	if err != nil {
		return backendRow{}, err
	}
	return backendRow{
		Address:        b.Address.String(),
		Name:           b.Name,
		Partitions:     string(partitions),
		Weight:         b.Weight,
		Enabled:        b.Enabled,
		Implementation: string(impl),
	}, nil
}

func rowToBackend(r backendRow) (model.DiscoveryBackend, error) {
	addr, err := model.ParseBackendAddress(r.Address)
	if err != nil {
		return model.DiscoveryBackend{}, err
	}
	b := model.DiscoveryBackend{Address: addr}
	b.Name = r.Name
	b.Weight = r.Weight
	b.Enabled = r.Enabled
	if err := json.Unmarshal([]byte(r.Partitions), &b.Partitions); err != nil {
		return model.DiscoveryBackend{}, fmt.Errorf("decode partitions for %s: %w", r.Address, err)
	}
	if err := json.Unmarshal([]byte(r.Implementation), &b.Implementation); err != nil {
		return model.DiscoveryBackend{}, fmt.Errorf("decode implementation for %s: %w", r.Address, err)
	}
	return b, nil
}

func (s *SQL) GetBackends(ctx context.Context) (model.DiscoveryBackends, error) {
	var rows []backendRow
	if err := s.db.WithContext(ctx).Order("address").Find(&rows).Error; err != nil {
		return model.DiscoveryBackends{}, err
	}
	backends := make([]model.DiscoveryBackend, 0, len(rows))
	for _, r := range rows {
		b, err := rowToBackend(r)
		if err != nil {
			return model.DiscoveryBackends{}, err
		}
		backends = append(backends, b)
	}
	model.SortBackends(backends)
	return model.DiscoveryBackends{Etag: ComputeEtag(backends), Backends: backends}, nil
}

func (s *SQL) GetBackend(ctx context.Context, addr model.BackendAddress) (model.DiscoveryBackend, error) {
	var row backendRow
	if err := s.db.WithContext(ctx).First(&row, "address = ?", addr.String()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.DiscoveryBackend{}, ErrNotFound
		}
		return model.DiscoveryBackend{}, err
	}
	return rowToBackend(row)
}

func (s *SQL) CreateBackend(ctx context.Context, backend model.DiscoveryBackend) error {
	if err := backend.Validate(); err != nil {
		return err
	}
	row, err := backendToRow(backend)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return err
	}
	s.notify()
	return nil
}

func (s *SQL) UpdateBackend(ctx context.Context, backend model.DiscoveryBackend) error {
	if err := backend.Validate(); err != nil {
		return err
	}
	row, err := backendToRow(backend)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&backendRow{}).
		Where("address = ?", row.Address).
		Select("*").Omit("address").Updates(row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.notify()
	return nil
}

func (s *SQL) PatchBackend(ctx context.Context, patch model.DiscoveryBackendPatch) (model.DiscoveryBackend, error) {
	var patched model.DiscoveryBackend
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row backendRow
		if err := tx.First(&row, "address = ?", patch.Address.String()).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		b, err := rowToBackend(row)
		if err != nil {
			return err
		}
		patch.Apply(&b)
		if err := b.Validate(); err != nil {
			return err
		}
		updated, err := backendToRow(b)
		if err != nil {
			return err
		}
		if err := tx.Save(&updated).Error; err != nil {
			return err
		}
		patched = b
		return nil
	})
	if err != nil {
		return model.DiscoveryBackend{}, err
	}
	s.notify()
	return patched, nil
}

func (s *SQL) DeleteBackend(ctx context.Context, addr model.BackendAddress) error {
	res := s.db.WithContext(ctx).Delete(&backendRow{}, "address = ?", addr.String())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.notify()
	return nil
}

func offerToRow(o model.OfferRecord) offerRow {
	return offerRow{
		Partition:   o.Partition,
		ID:          o.ID.String(),
		MinSendable: o.MinSendable,
		MaxSendable: o.MaxSendable,
		MetadataID:  o.MetadataID.String(),
		Timestamp:   o.Timestamp.UTC(),
		Expires:     o.Expires,
	}
}

func rowToOffer(r offerRow) (model.OfferRecord, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return model.OfferRecord{}, err
	}
	metadataID, err := uuid.Parse(r.MetadataID)
	if err != nil {
		return model.OfferRecord{}, err
	}
	o := model.OfferRecord{Partition: r.Partition, ID: id}
	o.MinSendable = r.MinSendable
	o.MaxSendable = r.MaxSendable
	o.MetadataID = metadataID
	o.Timestamp = r.Timestamp.UTC()
	if r.Expires != nil {
		expires := r.Expires.UTC()
		o.Expires = &expires
	}
	return o, nil
}

func (s *SQL) GetOffer(ctx context.Context, partition string, id uuid.UUID) (model.OfferRecord, error) {
	var row offerRow
	err := s.db.WithContext(ctx).First(&row, "partition = ? AND id = ?", partition, id.String()).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.OfferRecord{}, ErrNotFound
		}
		return model.OfferRecord{}, err
	}
	return rowToOffer(row)
}

func (s *SQL) ListOffers(ctx context.Context, partition string, page, pageSize int) ([]model.OfferRecord, error) {
	var rows []offerRow
	q := s.db.WithContext(ctx).Where("partition = ?", partition).Order("id")
	if pageSize > 0 {
		q = q.Offset(page * pageSize).Limit(pageSize)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	offers := make([]model.OfferRecord, 0, len(rows))
	for _, r := range rows {
		o, err := rowToOffer(r)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, nil
}

func (s *SQL) metadataExists(tx *gorm.DB, partition string, id uuid.UUID) error {
	var count int64
	if err := tx.Model(&metadataRow{}).
		Where("partition = ? AND id = ?", partition, id.String()).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrReferentialIntegrity
	}
	return nil
}

func (s *SQL) CreateOffer(ctx context.Context, offer *model.OfferRecord) error {
	if offer.ID == uuid.Nil {
		offer.ID = uuid.New()
	}
	if err := offer.Validate(); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.metadataExists(tx, offer.Partition, offer.MetadataID); err != nil {
			return err
		}
		row := offerToRow(*offer)
		if err := tx.Create(&row).Error; err != nil {
			if isDuplicate(err) {
				return ErrConflict
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *SQL) PutOffer(ctx context.Context, offer model.OfferRecord) error {
	if err := offer.Validate(); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.metadataExists(tx, offer.Partition, offer.MetadataID); err != nil {
			return err
		}
		row := offerToRow(offer)
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *SQL) DeleteOffer(ctx context.Context, partition string, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Delete(&offerRow{}, "partition = ? AND id = ?", partition, id.String())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.notify()
	return nil
}

func metadataToRow(m model.OfferMetadata) (metadataRow, error) {
	row := metadataRow{
		Partition: m.Partition,
		ID:        m.ID.String(),
		Text:      m.Text,
		LongText:  m.LongText,
	}
	if m.Image != nil {
		raw, err := json.Marshal(m.Image)
		if err != nil {
			return metadataRow{}, err
		}
		row.Image = string(raw)
	}
	if m.Identifier != nil {
		raw, err := json.Marshal(m.Identifier)
		if err != nil {
			return metadataRow{}, err
		}
		row.Identifier = string(raw)
	}
	return row, nil
}

func rowToMetadata(r metadataRow) (model.OfferMetadata, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return model.OfferMetadata{}, err
	}
	m := model.OfferMetadata{ID: id, Partition: r.Partition}
	m.Text = r.Text
	m.LongText = r.LongText
	if r.Image != "" {
		m.Image = &model.MetadataImage{}
		if err := json.Unmarshal([]byte(r.Image), m.Image); err != nil {
			return model.OfferMetadata{}, fmt.Errorf("decode image for %s: %w", r.ID, err)
		}
	}
	if r.Identifier != "" {
		m.Identifier = &model.MetadataIdentifier{}
		if err := json.Unmarshal([]byte(r.Identifier), m.Identifier); err != nil {
			return model.OfferMetadata{}, fmt.Errorf("decode identifier for %s: %w", r.ID, err)
		}
	}
	return m, nil
}

func (s *SQL) GetMetadata(ctx context.Context, partition string, id uuid.UUID) (model.OfferMetadata, error) {
	var row metadataRow
	err := s.db.WithContext(ctx).First(&row, "partition = ? AND id = ?", partition, id.String()).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.OfferMetadata{}, ErrNotFound
		}
		return model.OfferMetadata{}, err
	}
	return rowToMetadata(row)
}

func (s *SQL) ListMetadata(ctx context.Context, partition string, page, pageSize int) ([]model.OfferMetadata, error) {
	var rows []metadataRow
	q := s.db.WithContext(ctx).Where("partition = ?", partition).Order("id")
	if pageSize > 0 {
		q = q.Offset(page * pageSize).Limit(pageSize)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	metadata := make([]model.OfferMetadata, 0, len(rows))
	for _, r := range rows {
		m, err := rowToMetadata(r)
		if err != nil {
			return nil, err
		}
		metadata = append(metadata, m)
	}
	return metadata, nil
}

func (s *SQL) CreateMetadata(ctx context.Context, metadata *model.OfferMetadata) error {
	if metadata.ID == uuid.Nil {
		metadata.ID = uuid.New()
	}
	if err := metadata.Validate(); err != nil {
		return err
	}
	row, err := metadataToRow(*metadata)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return err
	}
	s.notify()
	return nil
}

func (s *SQL) PutMetadata(ctx context.Context, metadata model.OfferMetadata) error {
	if err := metadata.Validate(); err != nil {
		return err
	}
	row, err := metadataToRow(metadata)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *SQL) DeleteMetadata(ctx context.Context, partition string, id uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var referenced int64
		if err := tx.Model(&offerRow{}).
			Where("partition = ? AND metadata_id = ?", partition, id.String()).
			Count(&referenced).Error; err != nil {
			return err
		}
		if referenced > 0 {
			return ErrReferentialIntegrity
		}
		res := tx.Delete(&metadataRow{}, "partition = ? AND id = ?", partition, id.String())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// isDuplicate detects unique-constraint violations across the supported
// dialects.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
