package storage

import (
	"context"
	"embed"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgresql driver
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-p2p/internal/config"
	"github.com/brocaar/lorawan"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresBackend stores the device-session records in PostgreSQL.
type PostgresBackend struct {
	db *sqlx.DB
}

// NewPostgresBackend connects to PostgreSQL and optionally applies the
// schema migrations.
func NewPostgresBackend(c config.Config) (*PostgresBackend, error) {
	log.Info("storage: connecting to PostgreSQL")
	d, err := sqlx.Open("postgres", c.PostgreSQL.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "storage: PostgreSQL connection error")
	}
	d.SetMaxOpenConns(c.PostgreSQL.MaxOpenConnections)
	d.SetMaxIdleConns(c.PostgreSQL.MaxIdleConnections)
	for {
		if err := d.Ping(); err != nil {
			log.WithError(err).Warning("storage: ping PostgreSQL database error, will retry in 2s")
			time.Sleep(2 * time.Second)
		} else {
			break
		}
	}

	if c.PostgreSQL.Automigrate {
		if err := MigrateUp(d); err != nil {
			return nil, err
		}
	}

	return &PostgresBackend{db: d}, nil
}

// MigrateUp applies all pending schema migrations.
func MigrateUp(db *sqlx.DB) error {
	log.Info("storage: applying PostgreSQL schema migrations")

	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "new migration source error")
	}

	drv, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return errors.Wrap(err, "new migration driver error")
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return errors.Wrap(err, "new migrate instance error")
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "storage: applying PostgreSQL schema migrations error")
	}

	v, _, err := m.Version()
	if err != nil {
		return errors.Wrap(err, "get migration version error")
	}
	log.WithField("version", v).Info("storage: PostgreSQL schema migrations applied")

	return nil
}

// SaveDeviceSessionRecord implements Backend.
func (b *PostgresBackend) SaveDeviceSessionRecord(ctx context.Context, r DeviceSessionRecord) error {
	backendQueryCounter("postgresql", "save").Inc()
	_, err := b.db.ExecContext(ctx, `
		insert into device_session (
			dev_eui,
			dev_addr,
			app_s_key,
			nwk_s_key,
			key_wrapped,
			f_cnt_up,
			f_cnt_down,
			updated_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (dev_eui) do update set
			dev_addr = excluded.dev_addr,
			app_s_key = excluded.app_s_key,
			nwk_s_key = excluded.nwk_s_key,
			key_wrapped = excluded.key_wrapped,
			f_cnt_up = excluded.f_cnt_up,
			f_cnt_down = excluded.f_cnt_down,
			updated_at = excluded.updated_at`,
		r.DevEUI[:],
		r.DevAddr[:],
		r.AppSKey,
		r.NwkSKey,
		r.KeyWrapped,
		int64(r.FCntUp),
		int64(r.FCntDown),
		r.UpdatedAt,
	)
	if err != nil {
		return handlePSQLError(err, "insert error")
	}

	return nil
}

type deviceSessionRow struct {
	DevEUI     []byte    `db:"dev_eui"`
	DevAddr    []byte    `db:"dev_addr"`
	AppSKey    []byte    `db:"app_s_key"`
	NwkSKey    []byte    `db:"nwk_s_key"`
	KeyWrapped bool      `db:"key_wrapped"`
	FCntUp     int64     `db:"f_cnt_up"`
	FCntDown   int64     `db:"f_cnt_down"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// GetDeviceSessionRecord implements Backend.
func (b *PostgresBackend) GetDeviceSessionRecord(ctx context.Context, devEUI lorawan.EUI64) (DeviceSessionRecord, error) {
	var row deviceSessionRow

	backendQueryCounter("postgresql", "get").Inc()
	err := sqlx.GetContext(ctx, b.db, &row, `
		select
			dev_eui,
			dev_addr,
			app_s_key,
			nwk_s_key,
			key_wrapped,
			f_cnt_up,
			f_cnt_down,
			updated_at
		from
			device_session
		where
			dev_eui = $1`,
		devEUI[:],
	)
	if err != nil {
		return DeviceSessionRecord{}, handlePSQLError(err, "select error")
	}

	r := DeviceSessionRecord{
		AppSKey:    row.AppSKey,
		NwkSKey:    row.NwkSKey,
		KeyWrapped: row.KeyWrapped,
		FCntUp:     uint32(row.FCntUp),
		FCntDown:   uint32(row.FCntDown),
		UpdatedAt:  row.UpdatedAt,
	}
	copy(r.DevEUI[:], row.DevEUI)
	copy(r.DevAddr[:], row.DevAddr)

	return r, nil
}

// DeleteDeviceSessionRecord implements Backend.
func (b *PostgresBackend) DeleteDeviceSessionRecord(ctx context.Context, devEUI lorawan.EUI64) error {
	backendQueryCounter("postgresql", "delete").Inc()
	res, err := b.db.ExecContext(ctx, "delete from device_session where dev_eui = $1", devEUI[:])
	if err != nil {
		return handlePSQLError(err, "delete error")
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "get rows affected error")
	}
	if ra == 0 {
		return ErrDoesNotExist
	}

	return nil
}

// Ping implements Backend.
func (b *PostgresBackend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "postgresql ping error")
	}
	return nil
}

// Close implements Backend.
func (b *PostgresBackend) Close() error {
	return b.db.Close()
}
