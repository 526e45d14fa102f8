package session

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/isolation"
)

// cloner materializes auth, clones the repository, and applies the git
// configuration every session clone carries. All of it runs demoted under
// the workspace identity.
type cloner struct {
	runner isolation.Runner
	fs     *isolation.FS
	git    config.GitConfig
	logger *logger.Logger
}

func newCloner(runner isolation.Runner, git config.GitConfig, log *logger.Logger) *cloner {
	return &cloner{
		runner: runner,
		fs:     isolation.NewFS(runner),
		git:    git,
		logger: log.WithFields(zap.String("component", "cloner")),
	}
}

// Clone performs the full clone sequence for a fresh session: write auth
// material, ensure known_hosts for SSH remotes, git clone, identity and
// worktree configuration.
func (c *cloner) Clone(ctx context.Context, id isolation.Identity, sess *Session, params CreateParams) error {
	env, err := c.materializeAuth(ctx, id, sess, params)
	if err != nil {
		return err
	}

	argv := []string{"git", "clone", sess.RepoURL, sess.RepoDir}
	if err := c.runner.RunAs(ctx, id, argv, isolation.RunOpts{Dir: sess.Dir, Env: env}); err != nil {
		return fmt.Errorf("git clone: %w", err)
	}

	return c.configure(ctx, id, sess, env)
}

// materializeAuth writes SSH keys or HTTP credentials for the session and
// returns the env the subsequent git invocations need.
func (c *cloner) materializeAuth(ctx context.Context, id isolation.Identity, sess *Session, params CreateParams) ([]string, error) {
	var env []string

	if params.SSHKey != "" {
		keyPath := filepath.Join(sess.GitDir, "ssh-key-"+sess.ID)
		key := params.SSHKey
		if !strings.HasSuffix(key, "\n") {
			key += "\n"
		}
		if err := c.fs.WriteFile(ctx, id, keyPath, []byte(key), "0600"); err != nil {
			return nil, fmt.Errorf("write ssh key: %w", err)
		}
		sess.SSHKeyPath = keyPath

		knownHosts := filepath.Join(sess.GitDir, "known_hosts")
		if host := sshHost(sess.RepoURL); host != "" {
			if err := c.ensureKnownHost(ctx, id, knownHosts, host); err != nil {
				return nil, err
			}
		}
		env = append(env, "GIT_SSH_COMMAND="+fmt.Sprintf(
			"ssh -i %s -o IdentitiesOnly=yes -o UserKnownHostsFile=%s", keyPath, knownHosts))
	}

	if params.HTTPUser != "" || params.HTTPPassword != "" {
		credPath := filepath.Join(sess.GitDir, "git-credentials")
		line, err := credentialLine(sess.RepoURL, params.HTTPUser, params.HTTPPassword)
		if err != nil {
			return nil, err
		}
		if err := c.fs.WriteFile(ctx, id, credPath, []byte(line+"\n"), "0600"); err != nil {
			return nil, fmt.Errorf("write git credentials: %w", err)
		}
		// The helper is registered in repo config after the clone; the
		// clone itself picks it up via -c.
		env = append(env, "GIT_CONFIG_COUNT=1",
			"GIT_CONFIG_KEY_0=credential.helper",
			"GIT_CONFIG_VALUE_0=store --file "+credPath)
	}

	return env, nil
}

func (c *cloner) ensureKnownHost(ctx context.Context, id isolation.Identity, knownHosts, host string) error {
	out, _, err := c.runner.RunAsOutputWithStatus(ctx, id,
		[]string{"ssh-keyscan", "-t", "ed25519,rsa", host}, isolation.RunOpts{})
	if err != nil {
		return fmt.Errorf("ssh-keyscan %s: %w", host, err)
	}
	if len(out) == 0 {
		c.logger.Warn("ssh-keyscan returned nothing", zap.String("host", host))
		return nil
	}
	return c.fs.WriteFile(ctx, id, knownHosts, out, "0600")
}

// configure applies the per-clone git configuration: author identity,
// credential helper scoping, worktree config extension, and the session
// stamps on the main checkout.
func (c *cloner) configure(ctx context.Context, id isolation.Identity, sess *Session, env []string) error {
	set := func(args ...string) error {
		argv := append([]string{"git"}, args...)
		return c.runner.RunAs(ctx, id, argv, isolation.RunOpts{Dir: sess.RepoDir, Env: env})
	}

	if err := set("config", "user.name", c.git.DefaultAuthorName); err != nil {
		return fmt.Errorf("set author name: %w", err)
	}
	if err := set("config", "user.email", c.git.DefaultAuthorEmail); err != nil {
		return fmt.Errorf("set author email: %w", err)
	}
	if sess.SSHKeyPath != "" {
		knownHosts := filepath.Join(sess.GitDir, "known_hosts")
		if err := set("config", "core.sshCommand", fmt.Sprintf(
			"ssh -i %s -o IdentitiesOnly=yes -o UserKnownHostsFile=%s", sess.SSHKeyPath, knownHosts)); err != nil {
			return fmt.Errorf("set ssh command: %w", err)
		}
	}
	if exists, err := c.fs.Exists(ctx, id, filepath.Join(sess.GitDir, "git-credentials")); err == nil && exists {
		if err := set("config", "credential.helper",
			"store --file "+filepath.Join(sess.GitDir, "git-credentials")); err != nil {
			return fmt.Errorf("set credential helper: %w", err)
		}
	}

	if err := set("config", "extensions.worktreeConfig", "true"); err != nil {
		return fmt.Errorf("enable worktree config: %w", err)
	}
	if err := set("config", "--worktree", "vibe80.workspaceId", sess.WorkspaceID); err != nil {
		return fmt.Errorf("stamp workspace id: %w", err)
	}
	if err := set("config", "--worktree", "vibe80.sessionId", sess.ID); err != nil {
		return fmt.Errorf("stamp session id: %w", err)
	}

	if c.git.HooksDir != "" {
		if err := c.installHooks(ctx, id, sess); err != nil {
			return err
		}
	}
	return nil
}

// installHooks copies the configured hooks directory into the clone.
func (c *cloner) installHooks(ctx context.Context, id isolation.Identity, sess *Session) error {
	hooksDst := filepath.Join(sess.RepoDir, ".git", "hooks")
	argv := []string{"sh", "-c", `cp -R "$1"/. "$2"/ && chmod -R u+x "$2"`, "hooks", c.git.HooksDir, hooksDst}
	if err := c.runner.RunAs(ctx, id, argv, isolation.RunOpts{}); err != nil {
		return fmt.Errorf("install hooks: %w", err)
	}
	return nil
}

// Fetch refreshes remote refs for an existing clone.
func (c *cloner) Fetch(ctx context.Context, id isolation.Identity, sess *Session) error {
	env, err := c.sessionEnv(sess)
	if err != nil {
		return err
	}
	if err := c.runner.RunAs(ctx, id, []string{"git", "fetch", "--prune", "origin"},
		isolation.RunOpts{Dir: sess.RepoDir, Env: env}); err != nil {
		return fmt.Errorf("git fetch: %w", err)
	}
	return nil
}

func (c *cloner) sessionEnv(sess *Session) ([]string, error) {
	var env []string
	if sess.SSHKeyPath != "" {
		knownHosts := filepath.Join(sess.GitDir, "known_hosts")
		env = append(env, "GIT_SSH_COMMAND="+fmt.Sprintf(
			"ssh -i %s -o IdentitiesOnly=yes -o UserKnownHostsFile=%s", sess.SSHKeyPath, knownHosts))
	}
	return env, nil
}

// sshHost extracts the host from an SSH remote URL, empty for HTTP(S).
func sshHost(repoURL string) string {
	if strings.HasPrefix(repoURL, "ssh://") {
		if u, err := url.Parse(repoURL); err == nil {
			return u.Hostname()
		}
		return ""
	}
	// scp-like syntax: git@host:path
	if at := strings.Index(repoURL, "@"); at >= 0 && !strings.Contains(repoURL, "://") {
		rest := repoURL[at+1:]
		if colon := strings.Index(rest, ":"); colon > 0 {
			return rest[:colon]
		}
	}
	return ""
}

// credentialLine formats one git-credentials store entry for the repo host.
func credentialLine(repoURL, user, password string) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid repo url for http credentials")
	}
	return fmt.Sprintf("%s://%s:%s@%s", u.Scheme, url.QueryEscape(user), url.QueryEscape(password), u.Host), nil
}
