package main

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func (a *app) boardsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "boards",
		Short: "List boards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.get(cmd, "/api/v1/boards")
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List boards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.get(cmd, "/api/v1/boards")
		},
	})
	return cmd
}

func (a *app) threadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "threads",
		Aliases: []string{"thread"},
		Short:   "Browse, post to and moderate threads",
	}

	var limit, offset int
	list := &cobra.Command{
		Use:   "list BOARD",
		Short: "List a board's threads in catalog order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}
			path := "/api/v1/boards/" + url.PathEscape(args[0]) + "/threads"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			return a.get(cmd, path)
		},
	}
	list.Flags().IntVar(&limit, "limit", 0, "page size (server default 20)")
	list.Flags().IntVar(&offset, "offset", 0, "threads to skip")

	cmd.AddCommand(
		list,
		&cobra.Command{
			Use:   "show ID | show BOARD NUMBER",
			Short: "Show a thread and its posts",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if len(args) == 2 {
					board := strings.Trim(args[0], "/")
					return a.get(cmd, "/api/v1/boards/"+url.PathEscape(board)+"/threads/"+url.PathEscape(args[1]))
				}
				return a.get(cmd, "/api/v1/threads/"+url.PathEscape(args[0]))
			},
		},
		a.postCmd(),
		a.replyCmd(),
		a.flagCmd("lock", "Lock a thread against replies", "locked", true),
		a.flagCmd("unlock", "Reopen a locked thread", "locked", false),
		a.flagCmd("pin", "Pin a thread to the top of its board", "pinned", true),
		a.flagCmd("unpin", "Unpin a thread", "pinned", false),
	)
	return cmd
}

func (a *app) flagCmd(use, short, field string, value bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := a.client()
			if err != nil {
				return err
			}
			var status map[string]any
			if err := cl.Patch(cmd.Context(), "/api/v1/threads/"+url.PathEscape(args[0]), map[string]any{field: value}, &status); err != nil {
				return err
			}
			if !a.quiet {
				fmt.Fprintf(cmd.ErrOrStderr(), "thread %s: %s=%t\n", args[0], field, value)
			}
			return a.print(cmd.OutOrStdout(), status)
		},
	}
}

type postFlags struct {
	name     string
	body     string
	imageRef string
	admin    bool
}

func (p *postFlags) validate() error {
	if p.body == "" && p.imageRef == "" {
		return errors.New("a post needs --body or --image")
	}
	return nil
}

func (a *app) postCmd() *cobra.Command {
	p := &postFlags{}
	var subject string
	cmd := &cobra.Command{
		Use:   "post BOARD",
		Short: "Start a new thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := p.validate(); err != nil {
				return err
			}
			cl, err := a.client()
			if err != nil {
				return err
			}
			var thread map[string]any
			req := map[string]any{
				"name":      p.name,
				"subject":   subject,
				"body":      p.body,
				"image_ref": p.imageRef,
				"admin":     p.admin,
			}
			if err := cl.Post(cmd.Context(), "/api/v1/boards/"+url.PathEscape(args[0])+"/threads", req, &thread); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), thread)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "thread subject")
	registerPostFlags(cmd, p)
	return cmd
}

func (a *app) replyCmd() *cobra.Command {
	p := &postFlags{}
	var quoted []int64
	cmd := &cobra.Command{
		Use:   "reply ID",
		Short: "Reply to a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := p.validate(); err != nil {
				return err
			}
			cl, err := a.client()
			if err != nil {
				return err
			}
			var post map[string]any
			req := map[string]any{
				"name":      p.name,
				"body":      p.body,
				"image_ref": p.imageRef,
				"quoted":    quoted,
				"admin":     p.admin,
			}
			if err := cl.Post(cmd.Context(), "/api/v1/threads/"+url.PathEscape(args[0])+"/replies", req, &post); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), post)
		},
	}
	cmd.Flags().Int64SliceVar(&quoted, "quote", nil, "post number to quote (repeatable)")
	registerPostFlags(cmd, p)
	return cmd
}

func registerPostFlags(cmd *cobra.Command, p *postFlags) {
	cmd.Flags().StringVar(&p.name, "name", "", "poster name, name#secret for a trip-code")
	cmd.Flags().StringVar(&p.body, "body", "", "post text")
	cmd.Flags().StringVar(&p.imageRef, "image", "", "image reference")
	cmd.Flags().BoolVar(&p.admin, "admin", false, "post as the operator with an admin capcode")
}
