package store

import (
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/sebaswaton/reciapp-dispatch/internal/models"
)

// PostgresPersister mirrors requests into the solicitudes table. The
// in-memory store remains the authority during an active session; this
// is the durable record the REST collaborators read.
type PostgresPersister struct {
	db *sql.DB
}

func NewPostgresPersister(dsn string) (*PostgresPersister, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresPersister{db: db}, nil
}

func (p *PostgresPersister) SaveRequest(r models.Request) error {
	_, err := p.db.Exec(`INSERT INTO solicitudes(id, ciudadano_id, material, cantidad, descripcion, latitud, longitud, estado, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.CitizenID, r.Material, r.Quantity, r.Description, r.Origin.Lat, r.Origin.Lng, string(r.Status), r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresPersister) UpdateRequest(r models.Request) error {
	_, err := p.db.Exec(`UPDATE solicitudes SET reciclador_id=NULLIF($1,''), estado=$2, updated_at=$3 WHERE id=$4`,
		r.RecyclerID, string(r.Status), r.UpdatedAt, r.ID)
	return err
}

func (p *PostgresPersister) Close() error { return p.db.Close() }
