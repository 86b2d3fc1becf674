package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// ChatMessage is a persisted clinic chat message. JSON names match what the
// web client sends in send-message.
type ChatMessage struct {
	ID            string     `json:"id"`
	ClinicaID     string     `json:"clinicaId"`
	RemetenteID   string     `json:"remetenteId"`
	RemetenteTipo string     `json:"remetenteTipo"`
	Conteudo      string     `json:"conteudo"`
	Lida          bool       `json:"lida"`
	LidaEm        *time.Time `json:"lidaEm,omitempty"`
	CriadoEm      time.Time  `json:"criadoEm"`
}

// InsertChatMessage stores a message and returns it with id and timestamp.
func (s *Store) InsertChatMessage(ctx context.Context, m ChatMessage) (*ChatMessage, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO chat_messages (clinica_id, remetente_id, remetente_tipo, conteudo)
		VALUES ($1, $2, $3, $4)
		RETURNING id, criado_em
	`, m.ClinicaID, m.RemetenteID, m.RemetenteTipo, m.Conteudo).Scan(&id, &m.CriadoEm)
	if err != nil {
		return nil, err
	}
	m.ID = strconv.FormatInt(id, 10)
	m.Lida = false
	m.LidaEm = nil
	return &m, nil
}

// ListChatMessages returns a clinic's messages, newest first. A non-nil
// before restricts the page to older messages.
func (s *Store) ListChatMessages(ctx context.Context, clinicaID string, limit int, before *time.Time) ([]ChatMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, clinica_id, remetente_id, remetente_tipo, conteudo, lida, lida_em, criado_em
		FROM chat_messages
		WHERE clinica_id = $1
		  AND ($2::timestamptz IS NULL OR criado_em < $2)
		ORDER BY criado_em DESC, id DESC
		LIMIT $3
	`, clinicaID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []ChatMessage{}
	for rows.Next() {
		var (
			m  ChatMessage
			id int64
		)
		if err := rows.Scan(&id, &m.ClinicaID, &m.RemetenteID, &m.RemetenteTipo, &m.Conteudo, &m.Lida, &m.LidaEm, &m.CriadoEm); err != nil {
			return nil, err
		}
		m.ID = strconv.FormatInt(id, 10)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkChatMessageRead flags a message as read. Returns ErrNotFound if the
// message does not belong to the clinic.
func (s *Store) MarkChatMessageRead(ctx context.Context, clinicaID, messageID string) error {
	id, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return ErrNotFound
	}

	var readAt time.Time
	err = s.db.QueryRow(ctx, `
		UPDATE chat_messages
		SET lida = TRUE, lida_em = COALESCE(lida_em, NOW())
		WHERE id = $1 AND clinica_id = $2
		RETURNING lida_em
	`, id, clinicaID).Scan(&readAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
