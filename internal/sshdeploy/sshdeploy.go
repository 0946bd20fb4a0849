// Package sshdeploy pushes a sysconf customization to a BeagleBoard that is
// already booted and reachable over the network, as an alternative to the
// SD writer's offline FAT-partition customization pass (spec §4.4): useful
// when re-customizing a board without re-flashing it. The SSH dial/session
// pattern is adapted from the teacher's internal/host/deployment.go
// rebootDevice, repointed at appending sysconf.txt instead of rebooting an
// ASIC host.
package sshdeploy

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/beagleboard/bbflash/internal/bbferr"
	"github.com/beagleboard/bbflash/internal/sdwriter"
)

const component = "sshdeploy"

// dialTimeout mirrors the teacher's 30s SSH connect timeout.
const dialTimeout = 30 * time.Second

// Target identifies an already-booted board reachable over SSH.
type Target struct {
	Host     string // host or host:port; default port 22 applied if absent
	Username string
	Password string
}

func (t Target) address() string {
	if strings.Contains(t.Host, ":") {
		return t.Host
	}
	return t.Host + ":22"
}

// Push appends c's sysconf lines (and any Wi-Fi psk file) to the live
// filesystem at /sysconf.txt and /services/<ssid>.psk over an SSH session,
// then, when reboot is true, reboots the board so first-boot services pick
// up the change.
func Push(tgt Target, c *sdwriter.Customization, reboot bool) error {
	if err := c.Validate(); err != nil {
		return err
	}

	client, err := dial(tgt)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := appendRemoteFile(client, "/sysconf.txt", sysconfAppendContent(c)); err != nil {
		return err
	}

	if ssid, pskContents := c.Wifi(); ssid != "" {
		path := fmt.Sprintf("/services/%s.psk", ssid)
		if err := writeRemoteFile(client, path, pskContents); err != nil {
			return err
		}
	}

	if reboot {
		return runReboot(client)
	}
	return nil
}

func dial(tgt Target) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            tgt.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(tgt.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
		HostKeyAlgorithms: []string{
			"ssh-rsa",
			"ssh-ed25519",
		},
	}
	client, err := ssh.Dial("tcp", tgt.address(), cfg)
	if err != nil {
		return nil, bbferr.Wrap(component, bbferr.FailedToOpenDestination, "dial "+tgt.address(), err)
	}
	return client, nil
}

// appendRemoteFile appends content to path on the remote host by piping it
// over the session's stdin rather than interpolating it into the remote
// command text: content (hostname, ssh key, passwords, Wi-Fi passphrase)
// is caller/operator-controlled and must never be able to break out of a
// shell command or heredoc.
func appendRemoteFile(client *ssh.Client, path, content string) error {
	return runPipedWrite(client, path, content, fmt.Sprintf("cat >> %s", shellQuote(path)))
}

// writeRemoteFile creates (or truncates) path with content, creating its
// parent directory first.
func writeRemoteFile(client *ssh.Client, path, content string) error {
	dir := path[:strings.LastIndex(path, "/")]
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s", shellQuote(dir), shellQuote(path))
	return runPipedWrite(client, path, content, cmd)
}

func runPipedWrite(client *ssh.Client, path, content, remoteCmd string) error {
	session, err := client.NewSession()
	if err != nil {
		return bbferr.Wrap(component, bbferr.Io, "open ssh session for "+path, err)
	}
	defer session.Close()

	session.Stdin = strings.NewReader(content)
	if err := session.Run(remoteCmd); err != nil {
		return bbferr.Wrap(component, bbferr.SysconfWriteFail, "write "+path+" over ssh", err)
	}
	return nil
}

// shellQuote wraps s in single quotes for safe use as one POSIX shell
// word, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func runReboot(client *ssh.Client) error {
	session, err := client.NewSession()
	if err != nil {
		return bbferr.Wrap(component, bbferr.Io, "open ssh session for reboot", err)
	}
	defer session.Close()

	if err := session.Run("reboot"); err != nil {
		return bbferr.Wrap(component, bbferr.Io, "reboot over ssh", err)
	}
	return nil
}

// sysconfAppendContent renders every key=value line to append to
// /sysconf.txt, one per line.
func sysconfAppendContent(c *sdwriter.Customization) string {
	var b strings.Builder
	for _, line := range c.SysconfLines() {
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}
