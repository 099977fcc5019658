package main

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/maciekb2/content-pipeline/pkg/flow"
	"github.com/maciekb2/content-pipeline/pkg/store"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

func submitCmd(a *app) *cobra.Command {
	var c store.Content

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Store a PENDING article and queue it for moderation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(c.Title) == "" {
				return fmt.Errorf("--title is required")
			}
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			if c.Slug == "" {
				c.Slug = slugify(c.Title, c.ID)
			}
			c.State = flow.StatePending
			c.CreatedAt = time.Now().UTC()

			ctx := cmd.Context()
			if err := a.store.Put(ctx, c); err != nil {
				return fmt.Errorf("store %s: %w", c.ID, err)
			}
			if _, err := a.bus.PublishJSON(ctx, bus.SubjectAuditQueue, flow.TaskRef{TaskID: c.ID}, nil, nats.MsgId(c.ID)); err != nil {
				return fmt.Errorf("enqueue %s: %w", c.ID, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.ID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&c.ID, "id", "", "content id (random when empty)")
	f.StringVar(&c.Slug, "slug", "", "url slug (derived from the title when empty)")
	f.StringVar(&c.Title, "title", "", "article title")
	f.StringVar(&c.Description, "description", "", "short description")
	f.StringVar(&c.Body, "body", "", "article body")
	f.StringSliceVar(&c.Tags, "tag", nil, "tag, repeatable")
	f.Int64Var(&c.AuthorID, "author-id", 0, "author user id")
	f.StringVar(&c.AuthorName, "author-name", "", "author display name")
	return cmd
}

// slugify lowercases title, collapses non-alphanumerics to dashes and adds
// a short id suffix.
func slugify(title, id string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	suffix := strings.ReplaceAll(id, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	if slug == "" {
		return suffix
	}
	return slug + "-" + suffix
}
