package store

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"studio-booking-backend/internal/model"
)

// DefaultOpTimeout bounds every store operation.
const DefaultOpTimeout = 5 * time.Second

// Tx is the set of reservation reads and writes available inside a
// date-locked transaction. The Store itself satisfies it outside of one.
type Tx interface {
	Get(ctx context.Context, uid, id string) (*model.Reservation, error)
	QueryByDates(ctx context.Context, dates []string) ([]model.Reservation, error)
	Put(ctx context.Context, uid string, res *model.Reservation) error
}

// Store defines the interface for all primary-store operations.
type Store interface {
	Tx

	Delete(ctx context.Context, uid, id string) error
	GetByID(ctx context.Context, id string) (*model.Reservation, error)
	WithDateLock(ctx context.Context, dates []string, fn func(tx Tx) error) error
	Subscribe(ctx context.Context, uid string) ([]model.Reservation, <-chan Change, func(), error)

	MarkPaid(ctx context.Context, uid, id string) (*model.Reservation, bool, error)

	MarkMirrored(ctx context.Context, id string, version int64, eventID string) (bool, error)
	MarkMirrorPending(ctx context.Context, id string, version int64, cause string, next time.Time) (bool, error)
	MarkCancelPending(ctx context.Context, uid, id string, cause string, next time.Time) error
	RescheduleCancel(ctx context.Context, id string, cause string, next time.Time) error
	RestoreCancelled(ctx context.Context, id string, cause string, next time.Time) (*model.Reservation, error)
	RemoveCancelled(ctx context.Context, id string) error
	DueForMirror(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error)

	EnsureProfile(ctx context.Context, uid, displayName, email string) (*model.Profile, error)
	GetProfile(ctx context.Context, uid string) (*model.Profile, error)
	UpdateDisplayName(ctx context.Context, uid, displayName string) (*model.Profile, error)

	Ping(ctx context.Context) error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db        *gorm.DB
	appID     string
	feed      Feed
	opTimeout time.Duration
}

// Option customises a gormStore.
type Option func(*gormStore)

// WithOpTimeout overrides DefaultOpTimeout.
func WithOpTimeout(d time.Duration) Option {
	return func(s *gormStore) { s.opTimeout = d }
}

// NewGormStore creates a new GORM-backed store scoped to appID.
func NewGormStore(db *gorm.DB, appID string, feed Feed, opts ...Option) Store {
	if feed == nil {
		feed = NewMemoryFeed()
	}
	s := &gormStore{db: db, appID: appID, feed: feed, opTimeout: DefaultOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *gormStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *gormStore) publish(ctx context.Context, changes ...Change) {
	for _, c := range changes {
		if err := s.feed.Publish(ctx, c); err != nil {
			log.Printf("store: failed to publish %s for booking %s: %v", c.Type, c.ReservationID, err)
		}
	}
}

func (s *gormStore) Get(ctx context.Context, uid, id string) (*model.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return (&txStore{db: s.db.WithContext(ctx), appID: s.appID}).Get(ctx, uid, id)
}

func (s *gormStore) GetByID(ctx context.Context, id string) (*model.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var res model.Reservation
	if err := s.db.WithContext(ctx).Where("app_id = ? AND id = ?", s.appID, id).First(&res).Error; err != nil {
		return nil, classify(err)
	}
	return &res, nil
}

func (s *gormStore) QueryByDates(ctx context.Context, dates []string) ([]model.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return (&txStore{db: s.db.WithContext(ctx), appID: s.appID}).QueryByDates(ctx, dates)
}

func (s *gormStore) Put(ctx context.Context, uid string, res *model.Reservation) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx := &txStore{appID: s.appID}
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		tx.db = db
		return tx.Put(ctx, uid, res)
	})
	if err != nil {
		return classify(err)
	}
	s.publish(ctx, tx.changes...)
	return nil
}

// WithDateLock runs fn in one transaction after locking the sentinel rows of
// dates. Locks are taken in sorted order so that overlapping date sets never
// deadlock. Changes made through tx are published after commit.
func (s *gormStore) WithDateLock(ctx context.Context, dates []string, fn func(tx Tx) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	locked := uniqueSorted(dates)
	tx := &txStore{appID: s.appID}
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		tx.db = db
		for _, date := range locked {
			if err := lockDate(db, s.appID, date); err != nil {
				return err
			}
		}
		return fn(tx)
	})
	if err != nil {
		return classify(err)
	}
	s.publish(ctx, tx.changes...)
	return nil
}

// lockDate ensures the sentinel row exists and bumps its version. The update
// takes a row lock in Postgres and the database write lock in SQLite, held
// until the surrounding transaction ends.
func lockDate(db *gorm.DB, appID, date string) error {
	now := time.Now().UTC()
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.SlotLock{AppID: appID, Date: date, UpdatedAt: now}).Error; err != nil {
		return fmt.Errorf("create slot lock %s: %w", date, err)
	}
	if err := db.Model(&model.SlotLock{}).
		Where("app_id = ? AND date = ?", appID, date).
		UpdateColumns(map[string]any{"version": gorm.Expr("version + 1"), "updated_at": now}).Error; err != nil {
		return fmt.Errorf("acquire slot lock %s: %w", date, err)
	}
	return nil
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (s *gormStore) Delete(ctx context.Context, uid, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var removed *model.Reservation
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		res, err := (&txStore{db: db, appID: s.appID}).Get(ctx, uid, id)
		if err != nil {
			return err
		}
		if err := db.Where("app_id = ? AND id = ?", s.appID, id).Delete(&model.Reservation{}).Error; err != nil {
			return fmt.Errorf("delete booking %s: %w", id, err)
		}
		removed = res
		return nil
	})
	if err != nil {
		return classify(err)
	}
	s.publish(ctx, Change{Type: ChangeDelete, UserID: uid, ReservationID: removed.ID, At: time.Now().UTC()})
	return nil
}

// Subscribe registers on the feed first and then reads the snapshot, so no
// committed change can fall between the two. The snapshot is ordered by
// descending server timestamp.
func (s *gormStore) Subscribe(ctx context.Context, uid string) ([]model.Reservation, <-chan Change, func(), error) {
	changes, cancelSub := s.feed.Subscribe(ctx, uid)

	qctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var snapshot []model.Reservation
	err := s.db.WithContext(qctx).
		Where("app_id = ? AND user_id = ? AND mirror_status <> ?", s.appID, uid, model.MirrorCancelPending).
		Order("updated_at DESC").Order("id").
		Find(&snapshot).Error
	if err != nil {
		cancelSub()
		return nil, nil, nil, classify(err)
	}
	return snapshot, changes, cancelSub, nil
}

// MarkMirrored records a successful mirror. It is a no-op (false) when the
// row changed since version was read or is being cancelled.
func (s *gormStore) MarkMirrored(ctx context.Context, id string, version int64, eventID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result := s.db.WithContext(ctx).Model(&model.Reservation{}).
		Where("app_id = ? AND id = ? AND version = ? AND mirror_status <> ?", s.appID, id, version, model.MirrorCancelPending).
		UpdateColumns(map[string]any{
			"calendar_event_id":      eventID,
			"mirror_status":          model.MirrorSynced,
			"mirror_attempts":        0,
			"mirror_next_attempt_at": nil,
			"mirror_last_error":      "",
		})
	if result.Error != nil {
		return false, classify(result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	if res, err := s.GetByID(ctx, id); err == nil {
		s.publish(ctx, Change{Type: ChangeUpsert, UserID: res.UserID, ReservationID: id, Reservation: res, At: time.Now().UTC()})
	}
	return true, nil
}

// MarkMirrorPending records a failed mirror attempt and when to retry.
func (s *gormStore) MarkMirrorPending(ctx context.Context, id string, version int64, cause string, next time.Time) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result := s.db.WithContext(ctx).Model(&model.Reservation{}).
		Where("app_id = ? AND id = ? AND version = ? AND mirror_status <> ?", s.appID, id, version, model.MirrorCancelPending).
		UpdateColumns(map[string]any{
			"mirror_status":          model.MirrorPending,
			"mirror_attempts":        gorm.Expr("mirror_attempts + 1"),
			"mirror_next_attempt_at": next.UTC(),
			"mirror_last_error":      truncate(cause, 512),
		})
	if result.Error != nil {
		return false, classify(result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MarkCancelPending hides the reservation from its owner and from conflict
// checks until the calendar event is gone.
func (s *gormStore) MarkCancelPending(ctx context.Context, uid, id string, cause string, next time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if _, err := (&txStore{db: db, appID: s.appID}).Get(ctx, uid, id); err != nil {
			return err
		}
		return db.Model(&model.Reservation{}).
			Where("app_id = ? AND id = ?", s.appID, id).
			UpdateColumns(map[string]any{
				"mirror_status":          model.MirrorCancelPending,
				"mirror_attempts":        gorm.Expr("mirror_attempts + 1"),
				"mirror_next_attempt_at": next.UTC(),
				"mirror_last_error":      truncate(cause, 512),
			}).Error
	})
	if err != nil {
		return classify(err)
	}
	s.publish(ctx, Change{Type: ChangeDelete, UserID: uid, ReservationID: id, At: time.Now().UTC()})
	return nil
}

// MarkPaid advances the payment status of the owner's reservation. It reports
// whether the reservation was already paid; a paid reservation is left as is.
func (s *gormStore) MarkPaid(ctx context.Context, uid, id string) (*model.Reservation, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		out         *model.Reservation
		alreadyPaid bool
	)
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		tx := &txStore{db: db, appID: s.appID}
		res, err := tx.getForUpdate(ctx, uid, id)
		if err != nil {
			return err
		}
		if res.PaymentStatus == model.PaymentPaid {
			out, alreadyPaid = res, true
			return nil
		}
		err = db.Model(&model.Reservation{}).
			Where("app_id = ? AND id = ? AND payment_status = ?", s.appID, id, model.PaymentPending).
			UpdateColumns(map[string]any{
				"payment_status": model.PaymentPaid,
				"mirror_status":  model.MirrorPending,
				"version":        gorm.Expr("version + 1"),
				"updated_at":     time.Now().UTC(),
			}).Error
		if err != nil {
			return fmt.Errorf("mark booking %s paid: %w", id, err)
		}
		out, err = tx.Get(ctx, uid, id)
		return err
	})
	if err != nil {
		return nil, false, classify(err)
	}
	if !alreadyPaid {
		snapshot := *out
		s.publish(ctx, Change{Type: ChangeUpsert, UserID: uid, ReservationID: id, Reservation: &snapshot, At: out.UpdatedAt})
	}
	return out, alreadyPaid, nil
}

// RescheduleCancel pushes back the next delete attempt of a cancel-pending row.
func (s *gormStore) RescheduleCancel(ctx context.Context, id string, cause string, next time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result := s.db.WithContext(ctx).Model(&model.Reservation{}).
		Where("app_id = ? AND id = ? AND mirror_status = ?", s.appID, id, model.MirrorCancelPending).
		UpdateColumns(map[string]any{
			"mirror_attempts":        gorm.Expr("mirror_attempts + 1"),
			"mirror_next_attempt_at": next.UTC(),
			"mirror_last_error":      truncate(cause, 512),
		})
	if result.Error != nil {
		return classify(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RestoreCancelled makes a cancel-pending row visible again after the
// calendar refused to delete its event. The row is left pending so the
// reconciler re-checks the event.
func (s *gormStore) RestoreCancelled(ctx context.Context, id string, cause string, next time.Time) (*model.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result := s.db.WithContext(ctx).Model(&model.Reservation{}).
		Where("app_id = ? AND id = ? AND mirror_status = ?", s.appID, id, model.MirrorCancelPending).
		UpdateColumns(map[string]any{
			"mirror_status":          model.MirrorPending,
			"mirror_next_attempt_at": next.UTC(),
			"mirror_last_error":      truncate(cause, 512),
		})
	if result.Error != nil {
		return nil, classify(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}

	res, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	snapshot := *res
	s.publish(ctx, Change{Type: ChangeUpsert, UserID: res.UserID, ReservationID: id, Reservation: &snapshot, At: time.Now().UTC()})
	return res, nil
}

// RemoveCancelled deletes a cancel-pending row once its event is gone.
func (s *gormStore) RemoveCancelled(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result := s.db.WithContext(ctx).
		Where("app_id = ? AND id = ? AND mirror_status = ?", s.appID, id, model.MirrorCancelPending).
		Delete(&model.Reservation{})
	if result.Error != nil {
		return classify(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DueForMirror lists rows whose mirror work is due, oldest first.
func (s *gormStore) DueForMirror(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var due []model.Reservation
	err := s.db.WithContext(ctx).
		Where("app_id = ? AND mirror_status IN ?", s.appID, []model.MirrorStatus{model.MirrorPending, model.MirrorCancelPending}).
		Where("mirror_next_attempt_at IS NULL OR mirror_next_attempt_at <= ?", now.UTC()).
		Order("mirror_next_attempt_at").Order("id").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, classify(err)
	}
	return due, nil
}

// EnsureProfile creates the profile on first sight and returns the stored one.
func (s *gormStore) EnsureProfile(ctx context.Context, uid, displayName, email string) (*model.Profile, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	profile := model.Profile{AppID: s.appID, UserID: uid, DisplayName: displayName, Email: email, CreatedAt: now, LastUpdated: now}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&profile).Error; err != nil {
		return nil, classify(err)
	}

	var stored model.Profile
	if err := s.db.WithContext(ctx).Where("app_id = ? AND user_id = ?", s.appID, uid).First(&stored).Error; err != nil {
		return nil, classify(err)
	}
	return &stored, nil
}

func (s *gormStore) GetProfile(ctx context.Context, uid string) (*model.Profile, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var profile model.Profile
	if err := s.db.WithContext(ctx).Where("app_id = ? AND user_id = ?", s.appID, uid).First(&profile).Error; err != nil {
		return nil, classify(err)
	}
	return &profile, nil
}

func (s *gormStore) UpdateDisplayName(ctx context.Context, uid, displayName string) (*model.Profile, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	profile := model.Profile{AppID: s.appID, UserID: uid, DisplayName: displayName, CreatedAt: now, LastUpdated: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "app_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "last_updated"}),
	}).Create(&profile).Error
	if err != nil {
		return nil, classify(err)
	}

	var stored model.Profile
	if err := s.db.WithContext(ctx).Where("app_id = ? AND user_id = ?", s.appID, uid).First(&stored).Error; err != nil {
		return nil, classify(err)
	}
	return &stored, nil
}

func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return classify(sqlDB.PingContext(ctx))
}

// txStore runs reservation reads and writes on one *gorm.DB, which is a
// transaction when used from WithDateLock or Put.
type txStore struct {
	db      *gorm.DB
	appID   string
	changes []Change
}

// Get returns the owner's reservation. A row owned by someone else yields
// ErrPermissionDenied; a cancel-pending row is reported as not found.
func (t *txStore) Get(ctx context.Context, uid, id string) (*model.Reservation, error) {
	var res model.Reservation
	if err := t.db.WithContext(ctx).Where("app_id = ? AND id = ?", t.appID, id).First(&res).Error; err != nil {
		return nil, classify(err)
	}
	if res.UserID != uid {
		return nil, ErrPermissionDenied
	}
	if res.Hidden() {
		return nil, ErrNotFound
	}
	return &res, nil
}

// getForUpdate is Get with a row lock, so that concurrent payment
// confirmations wait for the overwrite instead of being lost to it. SQLite
// drops the locking clause; its single writer gives the same ordering.
func (t *txStore) getForUpdate(ctx context.Context, uid, id string) (*model.Reservation, error) {
	var res model.Reservation
	err := t.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("app_id = ? AND id = ?", t.appID, id).First(&res).Error
	if err != nil {
		return nil, classify(err)
	}
	if res.UserID != uid {
		return nil, ErrPermissionDenied
	}
	if res.Hidden() {
		return nil, ErrNotFound
	}
	return &res, nil
}

// QueryByDates returns every visible reservation, across all users, whose
// civil date is one of dates.
func (t *txStore) QueryByDates(ctx context.Context, dates []string) ([]model.Reservation, error) {
	if len(dates) == 0 {
		return nil, nil
	}
	var out []model.Reservation
	err := t.db.WithContext(ctx).
		Where("app_id = ? AND date IN ? AND mirror_status <> ?", t.appID, dates, model.MirrorCancelPending).
		Order("starts_at").Order("id").
		Find(&out).Error
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// Put inserts res when it has no id, otherwise overwrites the owner's row
// while keeping the immutable fields. The row version is bumped on every write.
func (t *txStore) Put(ctx context.Context, uid string, res *model.Reservation) error {
	if res.ID == "" {
		res.ID = uuid.NewString()
		res.AppID = t.appID
		res.UserID = uid
		res.Version = 1
		if res.MirrorStatus == "" {
			res.MirrorStatus = model.MirrorPending
		}
		if err := t.db.WithContext(ctx).Create(res).Error; err != nil {
			return fmt.Errorf("create booking: %w", classify(err))
		}
	} else {
		existing, err := t.getForUpdate(ctx, uid, res.ID)
		if err != nil {
			return err
		}
		res.AppID = existing.AppID
		res.UserID = existing.UserID
		res.CreatedAt = existing.CreatedAt
		res.Version = existing.Version + 1
		if existing.PaymentStatus == model.PaymentPaid {
			res.PaymentStatus = model.PaymentPaid
		}
		if res.CalendarEventID == nil {
			res.CalendarEventID = existing.CalendarEventID
		}
		if res.MirrorStatus == "" {
			res.MirrorStatus = existing.MirrorStatus
		}
		if err := t.db.WithContext(ctx).Save(res).Error; err != nil {
			return fmt.Errorf("update booking %s: %w", res.ID, classify(err))
		}
	}

	snapshot := *res
	t.changes = append(t.changes, Change{Type: ChangeUpsert, UserID: uid, ReservationID: res.ID, Reservation: &snapshot, At: res.UpdatedAt})
	return nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

var _ Tx = (*txStore)(nil)
