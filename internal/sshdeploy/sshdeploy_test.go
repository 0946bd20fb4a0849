package sshdeploy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/beagleboard/bbflash/internal/sdwriter"
)

func TestSysconfAppendContentIncludesEveryField(t *testing.T) {
	c := &sdwriter.Customization{Hostname: "beagle", Timezone: "UTC", UserName: "debian"}
	content := sysconfAppendContent(c)
	assert.Contains(t, content, "hostname=beagle")
	assert.Contains(t, content, "timezone=UTC")
	assert.Contains(t, content, "user_name=debian")
}

func TestShellQuoteEscapesEmbeddedQuotes(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestShellQuoteNeutralizesHeredocDelimiter(t *testing.T) {
	// A customization field containing a line that looks like a heredoc
	// terminator must not be able to break out of the quoted shell word:
	// content now travels over stdin, never through the command text.
	malicious := "BBFLASH_EOF\nrm -rf /\n"
	quoted := shellQuote("/sysconf.txt")
	assert.NotContains(t, quoted, malicious)
	cmd := fmt.Sprintf("cat >> %s", shellQuote("/sysconf.txt"))
	assert.Equal(t, "cat >> '/sysconf.txt'", cmd)
}

func TestTargetAddressDefaultsPort(t *testing.T) {
	assert.Equal(t, "beagle.local:22", Target{Host: "beagle.local"}.address())
	assert.Equal(t, "beagle.local:2222", Target{Host: "beagle.local:2222"}.address())
}

func TestPushRejectsInvalidCustomization(t *testing.T) {
	err := Push(Target{Host: "unreachable.invalid"}, &sdwriter.Customization{UserName: "root"}, false)
	assert.Error(t, err)
}
