package gameentry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"bingopay/internal/common/database"
)

// Sentinel errors for game room operations.
var (
	ErrRoomNotFound  = errors.New("game room not found")
	ErrRoomClosed    = errors.New("game room is not accepting players")
	ErrAlreadyJoined = errors.New("player already joined")
)

// RoomStatus is the lifecycle state of a game room.
type RoomStatus string

const (
	RoomWaiting  RoomStatus = "waiting"
	RoomActive   RoomStatus = "active"
	RoomFinished RoomStatus = "finished"
)

// GameRoom is the room boundary the splitter writes into. Rooms are created
// and progressed by the game subsystem; this package only reads them, grows
// the prize pool and appends paid players.
type GameRoom struct {
	ID        string     `json:"id"`
	EntryFee  int64      `json:"entry_fee"`
	PrizePool int64      `json:"prize_pool"`
	Players   []string   `json:"players"`
	Status    RoomStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// HasPlayer reports whether a user already joined the room.
func (r *GameRoom) HasPlayer(userID string) bool {
	for _, p := range r.Players {
		if p == userID {
			return true
		}
	}
	return false
}

// Store persists game rooms. AddToPrizePool and AddPlayer are atomic
// single-row updates so concurrent entries into the same room never lose
// increments.
type Store interface {
	GetRoom(ctx context.Context, roomID string) (*GameRoom, error)
	AddToPrizePool(ctx context.Context, roomID string, amountMinor int64) error
	AddPlayer(ctx context.Context, roomID, userID string) error
	RemovePlayer(ctx context.Context, roomID, userID string) error
}

// PostgresStore is the pgx-backed Store implementation.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new game room store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetRoom retrieves a room by id.
func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (*GameRoom, error) {
	var (
		room       GameRoom
		playersRaw []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, entry_fee, prize_pool, players, status, created_at
		FROM game_rooms
		WHERE id = $1
	`, roomID).Scan(&room.ID, &room.EntryFee, &room.PrizePool, &playersRaw, &room.Status, &room.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("reading game room: %w", err)
	}

	if len(playersRaw) > 0 {
		if err := json.Unmarshal(playersRaw, &room.Players); err != nil {
			return nil, fmt.Errorf("decoding players: %w", err)
		}
	}

	return &room, nil
}

// AddToPrizePool atomically grows the prize pool of a waiting room.
func (s *PostgresStore) AddToPrizePool(ctx context.Context, roomID string, amountMinor int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE game_rooms
		SET prize_pool = prize_pool + $2
		WHERE id = $1
		  AND status = $3
	`, roomID, amountMinor, RoomWaiting)
	if err != nil {
		return fmt.Errorf("incrementing prize pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRoom(ctx, roomID); err != nil {
			return err
		}
		return ErrRoomClosed
	}
	return nil
}

// AddPlayer appends a player to the room. Appending a player twice is a
// no-op so callers can safely retry.
func (s *PostgresStore) AddPlayer(ctx context.Context, roomID, userID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE game_rooms
		SET players = players || to_jsonb($2::text)
		WHERE id = $1
		  AND NOT players ? $2
	`, roomID, userID)
	if err != nil {
		return fmt.Errorf("appending player: %w", err)
	}
	if tag.RowsAffected() == 0 {
		room, err := s.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if room.HasPlayer(userID) {
			return nil
		}
		return ErrRoomNotFound
	}
	return nil
}

// RemovePlayer takes a player back out of the room. Used to unwind a
// seating that could not be finalized; removing an absent player is a no-op.
func (s *PostgresStore) RemovePlayer(ctx context.Context, roomID, userID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE game_rooms
		SET players = players - $2::text
		WHERE id = $1
	`, roomID, userID)
	if err != nil {
		return fmt.Errorf("removing player: %w", err)
	}
	return nil
}
