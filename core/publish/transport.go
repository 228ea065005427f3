package publish

import (
	"context"
	"fmt"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/updraft-io/updraft/core/infra/config"
)

// Transport performs the git operations of a publish. The interface exists
// so the pipeline tests run against a fake instead of a remote.
type Transport interface {
	// Clone checks the publish branch out into dir, shallow and single
	// branch: the pipeline only ever needs the tip.
	Clone(ctx context.Context, dir string) error
	// CommitAll stages everything under dir and commits as the bot.
	CommitAll(ctx context.Context, dir, message string) error
	// Push sends the committed tip to the remote.
	Push(ctx context.Context, dir string) error
}

// GitTransport implements Transport with go-git against the repository
// named in the profile, authenticating with the push token.
type GitTransport struct {
	url      string
	branch   string
	botName  string
	botEmail string
	token    string
}

// NewGitTransport builds a transport from the repository profile.
func NewGitTransport(profile *config.Profile, token string) *GitTransport {
	return &GitTransport{
		url:      profile.Repo.URL,
		branch:   profile.Repo.Branch,
		botName:  profile.Repo.BotName,
		botEmail: profile.Repo.BotEmail,
		token:    token,
	}
}

func (t *GitTransport) auth() *githttp.BasicAuth {
	// GitHub accepts any username when the password is a token.
	return &githttp.BasicAuth{Username: t.botName, Password: t.token}
}

func (t *GitTransport) Clone(ctx context.Context, dir string) error {
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           t.url,
		Auth:          t.auth(),
		ReferenceName: plumbing.NewBranchReferenceName(t.branch),
		SingleBranch:  true,
		Depth:         1,
		Tags:          git.NoTags,
	})
	if err != nil {
		return fmt.Errorf("clone %s: %w", t.url, err)
	}
	return nil
}

func (t *GitTransport) CommitAll(_ context.Context, dir, message string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("stage changes: %w", err)
	}
	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  t.botName,
			Email: t.botEmail,
			When:  time.Now().UTC(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *GitTransport) Push(ctx context.Context, dir string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := repo.PushContext(ctx, &git.PushOptions{Auth: t.auth()}); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}
