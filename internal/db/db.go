package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/transit"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// RouteStore reads route geometry and vehicle assignments from the
// routes, stages and vehicle_routes tables.
type RouteStore struct {
	db     *sql.DB
	schema string
}

func NewRouteStore(db *sql.DB, schema string) *RouteStore {
	if schema == "" {
		schema = "public"
	}
	return &RouteStore{db: db, schema: schema}
}

func (s *RouteStore) table(name string) string { return quoteIdent(s.schema) + "." + name }

// FetchRoutes returns every route with its stages. Stages come either from
// lat/lon columns or, when those are absent, a PostGIS location column.
// is_waypoint is optional.
func (s *RouteStore) FetchRoutes(ctx context.Context) ([]transit.Route, error) {
	q := fmt.Sprintf(`SELECT route_id, COALESCE(name, ''), COALESCE(color, '') FROM %s ORDER BY route_id`, s.table("routes"))
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()
	var routes []transit.Route
	for rows.Next() {
		var r transit.Route
		if err := rows.Scan(&r.ID, &r.Name, &r.Color); err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stages, err := s.fetchStages(ctx)
	if err != nil {
		return nil, err
	}
	return groupStages(routes, stages), nil
}

func (s *RouteStore) fetchStages(ctx context.Context) ([]transit.Stage, error) {
	cols, err := hasColumns(ctx, s.db, s.schema, "stages", "lat", "lon", "location", "is_waypoint")
	if err != nil {
		return nil, fmt.Errorf("introspect stages columns: %w", err)
	}
	var latlon string
	switch {
	case cols["lat"] && cols["lon"]:
		latlon = "lat, lon"
	case cols["location"]:
		latlon = "ST_Y(location::geometry), ST_X(location::geometry)"
	default:
		return nil, fmt.Errorf("stages table missing expected columns (lat/lon or location)")
	}
	waypoint := "false"
	if cols["is_waypoint"] {
		waypoint = "COALESCE(is_waypoint, false)"
	}
	q := fmt.Sprintf(`SELECT stage_id, route_id, COALESCE(name, ''), %s, stage_order,
       COALESCE(is_terminal, false), %s
FROM %s
ORDER BY route_id, stage_order`, latlon, waypoint, s.table("stages"))

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	defer rows.Close()
	var out []transit.Stage
	for rows.Next() {
		var st transit.Stage
		if err := rows.Scan(&st.ID, &st.RouteID, &st.Name, &st.Point.Lat, &st.Point.Lon, &st.Order, &st.Terminal, &st.WaypointOnly); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// FetchVehicleRoutes returns vehicleID -> routeIDs.
func (s *RouteStore) FetchVehicleRoutes(ctx context.Context) (map[string][]string, error) {
	q := fmt.Sprintf(`SELECT vehicle_id, route_id FROM %s ORDER BY vehicle_id, route_id`, s.table("vehicle_routes"))
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query vehicle_routes: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var v, r string
		if err := rows.Scan(&v, &r); err != nil {
			return nil, err
		}
		out[v] = append(out[v], r)
	}
	return out, rows.Err()
}

// groupStages attaches stages to their routes. Stages whose route is not
// in routes are dropped.
func groupStages(routes []transit.Route, stages []transit.Stage) []transit.Route {
	pos := make(map[string]int, len(routes))
	for i := range routes {
		pos[routes[i].ID] = i
	}
	orphans := 0
	for _, st := range stages {
		i, ok := pos[st.RouteID]
		if !ok {
			orphans++
			continue
		}
		routes[i].Stages = append(routes[i].Stages, st)
	}
	for i := range routes {
		sort.SliceStable(routes[i].Stages, func(a, b int) bool { return routes[i].Stages[a].Order < routes[i].Stages[b].Order })
	}
	if orphans > 0 {
		log.WithField("stages", orphans).Warn("stages reference unknown routes")
	}
	return routes
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	// Initialize to false
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}

func quoteIdent(s string) string {
	out := []byte{'"'}
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, s[i])
	}
	return string(append(out, '"'))
}
