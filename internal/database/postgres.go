package database

import (
	"context"
	"database/sql"
)

type PgNatterRepository struct {
	conn *sql.DB
}

func NewPgNatterRepository(dsn string) (*PgNatterRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgNatterRepository{conn: db}, nil
}

func (db *PgNatterRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgNatterRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
