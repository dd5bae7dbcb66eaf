package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"marketsync/internal/events"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Publisher receives a mutation event after every committed catalog write.
type Publisher interface {
	Publish(ctx context.Context, ev events.MutationEvent)
}

// Store is the Postgres-backed catalog. Every successful write publishes a
// MutationEvent synchronously before returning.
type Store struct {
	db  *pgxpool.Pool
	pub Publisher
	log *slog.Logger
}

func NewStore(db *pgxpool.Pool, pub Publisher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, pub: pub, log: logger}
}

var _ Source = (*Store)(nil)

func (s *Store) FindCategoriesWithServicesAndPricing(ctx context.Context) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	snap := &Snapshot{}
	catIndex := map[int64]int{}
	rows, err := tx.Query(ctx, `
		SELECT id, name, surface_key, sort_order, active
		FROM catalog.categories
		ORDER BY sort_order, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name, &c.SurfaceKey, &c.SortOrder, &c.Active); err != nil {
			rows.Close()
			return nil, err
		}
		catIndex[c.ID] = len(snap.Categories)
		snap.Categories = append(snap.Categories, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	type svcPos struct{ cat, svc int }
	svcIndex := map[int64]svcPos{}
	rows, err = tx.Query(ctx, `
		SELECT id, category_id, name, description, emoji, active
		FROM catalog.services
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query services: %w", err)
	}
	for rows.Next() {
		var svc Service
		if err := rows.Scan(&svc.ID, &svc.CategoryID, &svc.Name, &svc.Description, &svc.Emoji, &svc.Active); err != nil {
			rows.Close()
			return nil, err
		}
		ci, ok := catIndex[svc.CategoryID]
		if !ok {
			continue
		}
		cat := &snap.Categories[ci]
		svcIndex[svc.ID] = svcPos{cat: ci, svc: len(cat.Services)}
		cat.Services = append(cat.Services, svc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Soft-deleted (inactive) pricing methods never reach a snapshot.
	type methodPos struct {
		svcPos
		method int
	}
	methodIndex := map[int64]methodPos{}
	rows, err = tx.Query(ctx, `
		SELECT id, service_id, name, base_price::text, pricing_unit, active
		FROM catalog.pricing_methods
		WHERE active
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query pricing methods: %w", err)
	}
	for rows.Next() {
		var (
			m     PricingMethod
			price string
		)
		if err := rows.Scan(&m.ID, &m.ServiceID, &m.Name, &price, &m.Unit, &m.Active); err != nil {
			rows.Close()
			return nil, err
		}
		if m.BasePrice, err = decimal.NewFromString(price); err != nil {
			rows.Close()
			return nil, fmt.Errorf("pricing method %d base price: %w", m.ID, err)
		}
		pos, ok := svcIndex[m.ServiceID]
		if !ok {
			continue
		}
		svc := &snap.Categories[pos.cat].Services[pos.svc]
		methodIndex[m.ID] = methodPos{svcPos: pos, method: len(svc.Methods)}
		svc.Methods = append(svc.Methods, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.Query(ctx, `
		SELECT id, method_id, name, modifier_type, value::text, display_type, priority, condition_expr, active, created_at
		FROM catalog.pricing_modifiers
		ORDER BY priority, created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query pricing modifiers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			mod   PricingModifier
			value string
		)
		if err := rows.Scan(&mod.ID, &mod.MethodID, &mod.Name, &mod.Type, &value, &mod.DisplayType, &mod.Priority, &mod.Condition, &mod.Active, &mod.CreatedAt); err != nil {
			return nil, err
		}
		if mod.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("pricing modifier %d value: %w", mod.ID, err)
		}
		pos, ok := methodIndex[mod.MethodID]
		if !ok {
			continue
		}
		m := &snap.Categories[pos.cat].Services[pos.svc].Methods[pos.method]
		m.Modifiers = append(m.Modifiers, mod)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	snap.FetchedAt = time.Now()
	return snap, nil
}

func (s *Store) publish(ctx context.Context, ev events.MutationEvent) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(ctx, ev)
}

// categoryEvent describes a category write. prev is the row as it was before
// an update and nil otherwise.
func categoryEvent(kind events.Kind, c Category, prev *Category) events.MutationEvent {
	snap := &events.EntitySnapshot{Name: c.Name, SurfaceKey: c.SurfaceKey, Active: c.Active}
	if prev != nil {
		snap.PreviousSurfaceKey = prev.SurfaceKey
		snap.ActiveChanged = prev.Active != c.Active
	}
	return events.NewMutation(kind, events.EntityCategory, c.ID, 0, snap)
}

// serviceEvent parents the event on the service's current category. Moving a
// service counts as a visibility change for both categories.
func serviceEvent(kind events.Kind, svc Service, prev *Service) events.MutationEvent {
	snap := &events.EntitySnapshot{Name: svc.Name, Active: svc.Active}
	if prev != nil {
		snap.ActiveChanged = prev.Active != svc.Active || prev.CategoryID != svc.CategoryID
	}
	return events.NewMutation(kind, events.EntityService, svc.ID, svc.CategoryID, snap)
}

func methodEvent(kind events.Kind, m PricingMethod) events.MutationEvent {
	return events.NewMutation(kind, events.EntityPricingMethod, m.ID, m.ServiceID, &events.EntitySnapshot{Name: m.Name, Active: m.Active})
}

func modifierEvent(kind events.Kind, mod PricingModifier) events.MutationEvent {
	return events.NewMutation(kind, events.EntityPricingModifier, mod.ID, mod.MethodID, &events.EntitySnapshot{Name: mod.Name, Active: mod.Active})
}

func notFound(err error, what string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return err
}

func requireName(name *string) error {
	if name == nil || strings.TrimSpace(*name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	return nil
}

// CategoryFields is a partial category; nil fields are left unchanged on update.
type CategoryFields struct {
	Name       *string `json:"name"`
	SurfaceKey *string `json:"surface_key"`
	SortOrder  *int    `json:"sort_order"`
	Active     *bool   `json:"active"`
}

func (s *Store) CreateCategory(ctx context.Context, f CategoryFields) (Category, error) {
	if err := requireName(f.Name); err != nil {
		return Category{}, err
	}
	var c Category
	err := s.db.QueryRow(ctx, `
		INSERT INTO catalog.categories (name, surface_key, sort_order, active)
		VALUES ($1, COALESCE($2, ''), COALESCE($3, 0), COALESCE($4, true))
		RETURNING id, name, surface_key, sort_order, active
	`, strings.TrimSpace(*f.Name), f.SurfaceKey, f.SortOrder, f.Active).Scan(&c.ID, &c.Name, &c.SurfaceKey, &c.SortOrder, &c.Active)
	if err != nil {
		return Category{}, fmt.Errorf("insert category: %w", err)
	}
	s.publish(ctx, categoryEvent(events.KindCreated, c, nil))
	return c, nil
}

func (s *Store) UpdateCategory(ctx context.Context, id int64, f CategoryFields) (Category, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Category{}, err
	}
	defer tx.Rollback(ctx)

	prev := Category{ID: id}
	err = tx.QueryRow(ctx, `SELECT surface_key, active FROM catalog.categories WHERE id = $1 FOR UPDATE`, id).Scan(&prev.SurfaceKey, &prev.Active)
	if err != nil {
		return Category{}, notFound(err, "category", id)
	}
	var c Category
	err = tx.QueryRow(ctx, `
		UPDATE catalog.categories
		SET name = COALESCE($2, name),
			surface_key = COALESCE($3, surface_key),
			sort_order = COALESCE($4, sort_order),
			active = COALESCE($5, active),
			updated_at = now()
		WHERE id = $1
		RETURNING id, name, surface_key, sort_order, active
	`, id, f.Name, f.SurfaceKey, f.SortOrder, f.Active).Scan(&c.ID, &c.Name, &c.SurfaceKey, &c.SortOrder, &c.Active)
	if err != nil {
		return Category{}, fmt.Errorf("update category: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Category{}, err
	}
	s.publish(ctx, categoryEvent(events.KindUpdated, c, &prev))
	return c, nil
}

func (s *Store) DeleteCategory(ctx context.Context, id int64) error {
	c := Category{ID: id}
	err := s.db.QueryRow(ctx, `
		DELETE FROM catalog.categories WHERE id = $1
		RETURNING name, surface_key, active
	`, id).Scan(&c.Name, &c.SurfaceKey, &c.Active)
	if err != nil {
		return notFound(err, "category", id)
	}
	s.publish(ctx, categoryEvent(events.KindDeleted, c, nil))
	return nil
}

type ServiceFields struct {
	CategoryID  *int64  `json:"category_id"`
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Emoji       *string `json:"emoji"`
	Active      *bool   `json:"active"`
}

func (s *Store) CreateService(ctx context.Context, f ServiceFields) (Service, error) {
	if err := requireName(f.Name); err != nil {
		return Service{}, err
	}
	if f.CategoryID == nil {
		return Service{}, fmt.Errorf("%w: category_id is required", ErrInvalidInput)
	}
	var svc Service
	err := s.db.QueryRow(ctx, `
		INSERT INTO catalog.services (category_id, name, description, emoji, active)
		VALUES ($1, $2, COALESCE($3, ''), COALESCE($4, ''), COALESCE($5, true))
		RETURNING id, category_id, name, description, emoji, active
	`, *f.CategoryID, strings.TrimSpace(*f.Name), f.Description, f.Emoji, f.Active).Scan(&svc.ID, &svc.CategoryID, &svc.Name, &svc.Description, &svc.Emoji, &svc.Active)
	if err != nil {
		return Service{}, fmt.Errorf("insert service: %w", err)
	}
	s.publish(ctx, serviceEvent(events.KindCreated, svc, nil))
	return svc, nil
}

func (s *Store) UpdateService(ctx context.Context, id int64, f ServiceFields) (Service, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Service{}, err
	}
	defer tx.Rollback(ctx)

	prev := Service{ID: id}
	if err := tx.QueryRow(ctx, `SELECT category_id, active FROM catalog.services WHERE id = $1 FOR UPDATE`, id).Scan(&prev.CategoryID, &prev.Active); err != nil {
		return Service{}, notFound(err, "service", id)
	}
	var svc Service
	err = tx.QueryRow(ctx, `
		UPDATE catalog.services
		SET category_id = COALESCE($2, category_id),
			name = COALESCE($3, name),
			description = COALESCE($4, description),
			emoji = COALESCE($5, emoji),
			active = COALESCE($6, active),
			updated_at = now()
		WHERE id = $1
		RETURNING id, category_id, name, description, emoji, active
	`, id, f.CategoryID, f.Name, f.Description, f.Emoji, f.Active).Scan(&svc.ID, &svc.CategoryID, &svc.Name, &svc.Description, &svc.Emoji, &svc.Active)
	if err != nil {
		return Service{}, fmt.Errorf("update service: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Service{}, err
	}
	s.publish(ctx, serviceEvent(events.KindUpdated, svc, &prev))
	return svc, nil
}

func (s *Store) DeleteService(ctx context.Context, id int64) error {
	svc := Service{ID: id}
	err := s.db.QueryRow(ctx, `
		DELETE FROM catalog.services WHERE id = $1
		RETURNING category_id, name, active
	`, id).Scan(&svc.CategoryID, &svc.Name, &svc.Active)
	if err != nil {
		return notFound(err, "service", id)
	}
	s.publish(ctx, serviceEvent(events.KindDeleted, svc, nil))
	return nil
}

type MethodFields struct {
	ServiceID *int64           `json:"service_id"`
	Name      *string          `json:"name"`
	BasePrice *decimal.Decimal `json:"base_price"`
	Unit      *PricingUnit     `json:"pricing_unit"`
	Active    *bool            `json:"active"`
}

func (f MethodFields) validate() error {
	if f.Unit != nil && !f.Unit.Valid() {
		return fmt.Errorf("%w: unknown pricing unit %q", ErrInvalidInput, *f.Unit)
	}
	if f.BasePrice != nil && f.BasePrice.IsNegative() {
		return fmt.Errorf("%w: base_price must be >= 0", ErrInvalidInput)
	}
	return nil
}

func decimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	v := d.String()
	return &v
}

func (s *Store) CreateMethod(ctx context.Context, f MethodFields) (PricingMethod, error) {
	if err := requireName(f.Name); err != nil {
		return PricingMethod{}, err
	}
	if f.ServiceID == nil || f.BasePrice == nil {
		return PricingMethod{}, fmt.Errorf("%w: service_id and base_price are required", ErrInvalidInput)
	}
	if err := f.validate(); err != nil {
		return PricingMethod{}, err
	}
	m, err := s.scanMethod(s.db.QueryRow(ctx, `
		INSERT INTO catalog.pricing_methods (service_id, name, base_price, pricing_unit, active)
		VALUES ($1, $2, $3::numeric, COALESCE($4, 'fixed'), COALESCE($5, true))
		RETURNING id, service_id, name, base_price::text, pricing_unit, active
	`, *f.ServiceID, strings.TrimSpace(*f.Name), decimalArg(f.BasePrice), f.Unit, f.Active))
	if err != nil {
		return PricingMethod{}, fmt.Errorf("insert pricing method: %w", err)
	}
	s.publish(ctx, methodEvent(events.KindCreated, m))
	return m, nil
}

func (s *Store) UpdateMethod(ctx context.Context, id int64, f MethodFields) (PricingMethod, error) {
	if err := f.validate(); err != nil {
		return PricingMethod{}, err
	}
	m, err := s.scanMethod(s.db.QueryRow(ctx, `
		UPDATE catalog.pricing_methods
		SET service_id = COALESCE($2, service_id),
			name = COALESCE($3, name),
			base_price = COALESCE($4::numeric, base_price),
			pricing_unit = COALESCE($5, pricing_unit),
			active = COALESCE($6, active),
			updated_at = now()
		WHERE id = $1
		RETURNING id, service_id, name, base_price::text, pricing_unit, active
	`, id, f.ServiceID, f.Name, decimalArg(f.BasePrice), f.Unit, f.Active))
	if err != nil {
		return PricingMethod{}, notFound(err, "pricing method", id)
	}
	s.publish(ctx, methodEvent(events.KindUpdated, m))
	return m, nil
}

// DeleteMethod soft-deletes: the row stays for history but leaves snapshots
// and can no longer be priced.
func (s *Store) DeleteMethod(ctx context.Context, id int64) error {
	m, err := s.scanMethod(s.db.QueryRow(ctx, `
		UPDATE catalog.pricing_methods
		SET active = false, updated_at = now()
		WHERE id = $1
		RETURNING id, service_id, name, base_price::text, pricing_unit, active
	`, id))
	if err != nil {
		return notFound(err, "pricing method", id)
	}
	s.publish(ctx, methodEvent(events.KindDeleted, m))
	return nil
}

func (s *Store) scanMethod(row pgx.Row) (PricingMethod, error) {
	var (
		m     PricingMethod
		price string
	)
	if err := row.Scan(&m.ID, &m.ServiceID, &m.Name, &price, &m.Unit, &m.Active); err != nil {
		return PricingMethod{}, err
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return PricingMethod{}, err
	}
	m.BasePrice = d
	return m, nil
}

type ModifierFields struct {
	MethodID    *int64           `json:"method_id"`
	Name        *string          `json:"name"`
	Type        *ModifierType    `json:"modifier_type"`
	Value       *decimal.Decimal `json:"value"`
	DisplayType *DisplayType     `json:"display_type"`
	Priority    *int             `json:"priority"`
	Condition   *string          `json:"condition"`
	Active      *bool            `json:"active"`
}

func (f ModifierFields) validate() error {
	if f.Type != nil && *f.Type != ModifierPercentage && *f.Type != ModifierFixed {
		return fmt.Errorf("%w: unknown modifier type %q", ErrInvalidInput, *f.Type)
	}
	if f.DisplayType != nil {
		switch *f.DisplayType {
		case DisplayNormal, DisplayUpcharge, DisplayDiscount, DisplayNote, DisplayWarning:
		default:
			return fmt.Errorf("%w: unknown display type %q", ErrInvalidInput, *f.DisplayType)
		}
	}
	return nil
}

const modifierColumns = `id, method_id, name, modifier_type, value::text, display_type, priority, condition_expr, active, created_at`

func (s *Store) CreateModifier(ctx context.Context, f ModifierFields) (PricingModifier, error) {
	if err := requireName(f.Name); err != nil {
		return PricingModifier{}, err
	}
	if f.MethodID == nil || f.Type == nil || f.Value == nil {
		return PricingModifier{}, fmt.Errorf("%w: method_id, modifier_type and value are required", ErrInvalidInput)
	}
	if err := f.validate(); err != nil {
		return PricingModifier{}, err
	}
	mod, err := scanModifier(s.db.QueryRow(ctx, `
		INSERT INTO catalog.pricing_modifiers (method_id, name, modifier_type, value, display_type, priority, condition_expr, active)
		VALUES ($1, $2, $3, $4::numeric, COALESCE($5, 'normal'), COALESCE($6, 0), COALESCE($7, ''), COALESCE($8, true))
		RETURNING `+modifierColumns,
		*f.MethodID, strings.TrimSpace(*f.Name), *f.Type, decimalArg(f.Value), f.DisplayType, f.Priority, f.Condition, f.Active))
	if err != nil {
		return PricingModifier{}, fmt.Errorf("insert pricing modifier: %w", err)
	}
	s.publish(ctx, modifierEvent(events.KindCreated, mod))
	return mod, nil
}

func (s *Store) UpdateModifier(ctx context.Context, id int64, f ModifierFields) (PricingModifier, error) {
	if err := f.validate(); err != nil {
		return PricingModifier{}, err
	}
	mod, err := scanModifier(s.db.QueryRow(ctx, `
		UPDATE catalog.pricing_modifiers
		SET method_id = COALESCE($2, method_id),
			name = COALESCE($3, name),
			modifier_type = COALESCE($4, modifier_type),
			value = COALESCE($5::numeric, value),
			display_type = COALESCE($6, display_type),
			priority = COALESCE($7, priority),
			condition_expr = COALESCE($8, condition_expr),
			active = COALESCE($9, active)
		WHERE id = $1
		RETURNING `+modifierColumns,
		id, f.MethodID, f.Name, f.Type, decimalArg(f.Value), f.DisplayType, f.Priority, f.Condition, f.Active))
	if err != nil {
		return PricingModifier{}, notFound(err, "pricing modifier", id)
	}
	s.publish(ctx, modifierEvent(events.KindUpdated, mod))
	return mod, nil
}

func (s *Store) DeleteModifier(ctx context.Context, id int64) error {
	mod := PricingModifier{ID: id}
	err := s.db.QueryRow(ctx, `
		DELETE FROM catalog.pricing_modifiers WHERE id = $1
		RETURNING method_id, name, active
	`, id).Scan(&mod.MethodID, &mod.Name, &mod.Active)
	if err != nil {
		return notFound(err, "pricing modifier", id)
	}
	s.publish(ctx, modifierEvent(events.KindDeleted, mod))
	return nil
}

func scanModifier(row pgx.Row) (PricingModifier, error) {
	var (
		mod   PricingModifier
		value string
	)
	if err := row.Scan(&mod.ID, &mod.MethodID, &mod.Name, &mod.Type, &value, &mod.DisplayType, &mod.Priority, &mod.Condition, &mod.Active, &mod.CreatedAt); err != nil {
		return PricingModifier{}, err
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return PricingModifier{}, err
	}
	mod.Value = d
	return mod, nil
}
