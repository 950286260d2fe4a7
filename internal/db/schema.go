package db

// schema extends the base tenants/users/channels/channel_members/messages
// tables owned by the REST service.
var schema = []string{
	`ALTER TABLE messages ADD COLUMN IF NOT EXISTS reply_to_id BIGINT REFERENCES messages(id)`,
	`ALTER TABLE messages ADD COLUMN IF NOT EXISTS reply_count INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE messages ADD COLUMN IF NOT EXISTS mentions UUID[] NOT NULL DEFAULT '{}'`,
	`ALTER TABLE messages ADD COLUMN IF NOT EXISTS edited_at TIMESTAMPTZ`,
	`ALTER TABLE messages ADD COLUMN IF NOT EXISTS deleted_at TIMESTAMPTZ`,
	`CREATE TABLE IF NOT EXISTS message_reactions (
		message_id BIGINT NOT NULL REFERENCES messages(id),
		user_id    UUID NOT NULL,
		emoji      TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (message_id, user_id, emoji)
	)`,
}
