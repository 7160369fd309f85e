package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relayboard/internal/boardsync"
	"github.com/agentworkforce/relayboard/internal/workitem"
)

// printerSink reports mutation lifecycle notifications on the terminal.
type printerSink struct {
	out *printer
}

func (s printerSink) OnOptimisticUpdate(itemID string, projected workitem.Item) {
	s.out.Pending("%s: applying locally (%s, %s)", itemID, projected.Status, projected.Priority)
}

func (s printerSink) OnOptimisticRollback(itemID string, original workitem.Item) {
	if original.IsZero() {
		s.out.Warning("%s: discarded", itemID)
		return
	}
	s.out.Warning("%s: rolled back to version %d", itemID, original.Version)
}

func (s printerSink) OnSuccess(item workitem.Item) {
	s.out.Success("%s saved at version %d", item.ID, item.Version)
}

func (s printerSink) OnError(message string) {
	_ = s.out.Error(message, "")
}

func (s printerSink) OnConflict(messages []string) {
	s.out.Conflict(messages)
}

func (s printerSink) OnReconcileID(tempID, serverID string) {
	s.out.Info("%s is now %s", tempID, serverID)
}

func (a *app) commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, a.cfg.Timeout*3)
}

// mutationFailed turns a terminal mutation error into a reported error; the
// sink already printed its details.
func mutationFailed(err error) error {
	var mutErr *boardsync.MutationError
	if errors.As(err, &mutErr) {
		return reportedError{title: string(mutErr.Outcome)}
	}
	return err
}

func (a *app) requestFailed(action string, err error) error {
	outcome := boardsync.Classify(err)
	return a.out.Error(fmt.Sprintf("%s failed: %s", action, outcome), boardsync.Message(outcome, err))
}

func (a *app) newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ITEM_ID",
		Short: "Show one work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			team, err := a.requireTeam()
			if err != nil {
				return err
			}
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			item, err := a.httpClient().Get(ctx, boardsync.ItemPath(team, args[0]))
			if err != nil {
				return a.requestFailed("get", err)
			}
			return a.out.Item(item)
		},
	}
}

func (a *app) newListCmd() *cobra.Command {
	var status, assignee string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the team's work items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			team, err := a.requireTeam()
			if err != nil {
				return err
			}
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			items, err := a.httpClient().ListItems(ctx, team)
			if err != nil {
				return a.requestFailed("list", err)
			}
			return a.out.Items(filterItems(items, status, assignee))
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only items with this status")
	cmd.Flags().StringVar(&assignee, "assignee", "", "only items assigned to this user")
	return cmd
}

func filterItems(items []workitem.Item, status, assignee string) []workitem.Item {
	if status == "" && assignee == "" {
		return items
	}
	out := make([]workitem.Item, 0, len(items))
	for _, item := range items {
		if status != "" && item.Status != status {
			continue
		}
		if assignee != "" && item.AssigneeID != assignee {
			continue
		}
		out = append(out, item)
	}
	return out
}

func (a *app) newCreateCmd() *cobra.Command {
	var (
		title, description, status, priority, assignee, sprint, key string
		points                                                      int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			team, err := a.requireTeam()
			if err != nil {
				return err
			}
			draft := workitem.Delta{workitem.FieldTitle: title}
			flags := cmd.Flags()
			if flags.Changed("description") {
				draft[workitem.FieldDescription] = description
			}
			if flags.Changed("status") {
				draft[workitem.FieldStatus] = status
			}
			if flags.Changed("priority") {
				draft[workitem.FieldPriority] = priority
			}
			if flags.Changed("assignee") {
				draft[workitem.FieldAssigneeID] = assignee
			}
			if flags.Changed("sprint") {
				draft[workitem.FieldSprintID] = sprint
			}
			if flags.Changed("points") {
				draft[workitem.FieldStoryPoints] = points
			}

			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			mc := a.mutationClient(a.httpClient(), printerSink{out: a.out}, nil)
			var opts []boardsync.CallOption
			if key != "" {
				opts = append(opts, boardsync.WithIdempotencyKey(key))
			}
			item, err := mc.Create(ctx, team, draft, opts...)
			if err != nil {
				return mutationFailed(err)
			}
			return a.out.Item(item)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&title, "title", "", "item title (required)")
	flags.StringVar(&description, "description", "", "item description")
	flags.StringVar(&status, "status", "", "initial status")
	flags.StringVar(&priority, "priority", "", "initial priority")
	flags.StringVar(&assignee, "assignee", "", "assignee user ID")
	flags.StringVar(&sprint, "sprint", "", "sprint ID")
	flags.IntVar(&points, "points", 0, "story points")
	flags.StringVar(&key, "idempotency-key", "", "reuse a key to make a retried create safe")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func (a *app) newUpdateCmd() *cobra.Command {
	var (
		assignments []string
		baseVersion int64
	)
	cmd := &cobra.Command{
		Use:   "update ITEM_ID --set field=value [--set field=value...]",
		Short: "Change fields of a work item",
		Long: `Change fields of a work item. Recognized fields: ` + strings.Join(workitem.RecognizedFields(), ", ") + `.

Without --base-version the item is read first and its current version is
used as the precondition.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			team, err := a.requireTeam()
			if err != nil {
				return err
			}
			delta, err := parseAssignments(assignments)
			if err != nil {
				return a.out.Error("invalid --set", err.Error())
			}
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			mc := a.mutationClient(a.httpClient(), printerSink{out: a.out}, nil)
			item, err := mc.Update(ctx, team, args[0], delta, boardsync.WithBaseVersion(baseVersion))
			if err != nil {
				return mutationFailed(err)
			}
			return a.out.Item(item)
		},
	}
	cmd.Flags().StringArrayVar(&assignments, "set", nil, "field=value to change (repeatable)")
	cmd.Flags().Int64Var(&baseVersion, "base-version", 0, "version the change is based on")
	_ = cmd.MarkFlagRequired("set")
	return cmd
}

// parseAssignments turns field=value pairs into a delta. story_points is
// numeric; an empty value clears optional string fields.
func parseAssignments(assignments []string) (workitem.Delta, error) {
	delta := workitem.Delta{}
	for _, raw := range assignments {
		field, value, ok := strings.Cut(raw, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" {
			return nil, fmt.Errorf("expected field=value, got %q", raw)
		}
		if !workitem.IsRecognizedField(field) {
			return nil, fmt.Errorf("unknown field %q", field)
		}
		switch field {
		case workitem.FieldStoryPoints:
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("%s must be an integer", field)
			}
			delta[field] = n
		case workitem.FieldSprintID, workitem.FieldAssigneeID, workitem.FieldDescription:
			if strings.TrimSpace(value) == "" {
				delta[field] = nil
			} else {
				delta[field] = value
			}
		default:
			delta[field] = value
		}
	}
	if len(delta) == 0 {
		return nil, fmt.Errorf("at least one field=value is required")
	}
	return delta, nil
}

func (a *app) newArchiveCmd() *cobra.Command {
	var baseVersion int64
	cmd := &cobra.Command{
		Use:   "archive ITEM_ID",
		Short: "Archive a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			team, err := a.requireTeam()
			if err != nil {
				return err
			}
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			mc := a.mutationClient(a.httpClient(), printerSink{out: a.out}, nil)
			item, err := mc.Archive(ctx, team, args[0], boardsync.WithBaseVersion(baseVersion))
			if err != nil {
				return mutationFailed(err)
			}
			return a.out.Item(item)
		},
	}
	cmd.Flags().Int64Var(&baseVersion, "base-version", 0, "version the archive is based on")
	return cmd
}

func (a *app) newPriorityCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "priority ITEM_ID LEVEL",
		Short:     "Change a work item's priority",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{workitem.PriorityLow, workitem.PriorityMedium, workitem.PriorityHigh, workitem.PriorityCritical},
		RunE: func(cmd *cobra.Command, args []string) error {
			team, err := a.requireTeam()
			if err != nil {
				return err
			}
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			mc := a.mutationClient(a.httpClient(), printerSink{out: a.out}, nil)
			item, err := mc.ChangePriority(ctx, team, args[0], strings.ToLower(args[1]))
			if err != nil {
				return mutationFailed(err)
			}
			return a.out.Item(item)
		},
	}
}

func (a *app) newDeleteCmd() *cobra.Command {
	var baseVersion int64
	cmd := &cobra.Command{
		Use:   "delete ITEM_ID",
		Short: "Delete a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			team, err := a.requireTeam()
			if err != nil {
				return err
			}
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			client := a.httpClient()
			path := boardsync.ItemPath(team, args[0])
			if baseVersion <= 0 {
				current, err := client.Get(ctx, path)
				if err != nil {
					return a.requestFailed("delete", err)
				}
				baseVersion = current.Version
			}
			if err := client.Delete(ctx, path, baseVersion); err != nil {
				if boardsync.Classify(err) == boardsync.OutcomeVersionConflict {
					a.out.Conflict(boardsync.ConflictMessages(err))
					return reportedError{title: string(boardsync.OutcomeVersionConflict)}
				}
				return a.requestFailed("delete", err)
			}
			a.out.Success("%s deleted", args[0])
			return nil
		},
	}
	cmd.Flags().Int64Var(&baseVersion, "base-version", 0, "version the delete is based on")
	return cmd
}

func (a *app) newTokenCmd() *cobra.Command {
	var (
		subject string
		scopes  []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access and refresh token with the internal signing secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			team, err := a.requireTeam()
			if err != nil {
				return err
			}
			secret := a.v.GetString("internal_secret")
			if secret == "" {
				return fmt.Errorf("internal secret is required (--internal-secret or RELAYBOARD_INTERNAL_SECRET)")
			}
			if strings.TrimSpace(subject) == "" {
				return fmt.Errorf("--subject is required")
			}
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			tokens, err := a.issueToken(ctx, secret, team, subject, scopes)
			if err != nil {
				return a.requestFailed("token", err)
			}
			return a.printTokens(tokens)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "user the token is issued to")
	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{"items:read", "items:write"}, "granted scopes")
	cmd.Flags().String("internal-secret", "", "internal HMAC secret shared with the server")
	_ = a.v.BindPFlag("internal_secret", cmd.Flags().Lookup("internal-secret"))
	return cmd
}

func (a *app) issueToken(ctx context.Context, secret, team, subject string, scopes []string) (boardsync.TokenResponse, error) {
	body, err := json.Marshal(map[string]any{"teamId": team, "subject": subject, "scopes": scopes})
	if err != nil {
		return boardsync.TokenResponse{}, err
	}
	timestamp := time.Now().UTC().Format(time.RFC3339)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.cfg.BaseURL, "/")+"/v1/auth/token", bytes.NewReader(body))
	if err != nil {
		return boardsync.TokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Relayboard-Timestamp", timestamp)
	req.Header.Set("X-Relayboard-Signature", hex.EncodeToString(mac.Sum(nil)))

	resp, err := (&http.Client{Timeout: a.cfg.Timeout}).Do(req)
	if err != nil {
		return boardsync.TokenResponse{}, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return boardsync.TokenResponse{}, err
	}
	if resp.StatusCode != http.StatusOK {
		httpErr := &boardsync.HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
		var envelope struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(payload, &envelope) == nil && envelope.Code != "" {
			httpErr.Code = envelope.Code
			httpErr.Message = envelope.Message
		}
		return boardsync.TokenResponse{}, httpErr
	}
	var tokens boardsync.TokenResponse
	if err := json.Unmarshal(payload, &tokens); err != nil {
		return boardsync.TokenResponse{}, fmt.Errorf("decode token response: %w", err)
	}
	return tokens, nil
}

func (a *app) printTokens(tokens boardsync.TokenResponse) error {
	switch a.cfg.Output {
	case "json":
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tokens)
	case "yaml":
		return yaml.NewEncoder(a.stdout).Encode(map[string]string{
			"token":         tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.ExpiresAt,
		})
	}
	_, err := fmt.Fprintf(a.stdout, "export RELAYBOARD_TOKEN=%s\nexport RELAYBOARD_REFRESH_TOKEN=%s\n", tokens.AccessToken, tokens.RefreshToken)
	return err
}
