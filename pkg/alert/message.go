package alert

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/poigraph/corepipeline/pkg/health"
)

const maxBlockTextLength = 2900

var statusEmoji = map[health.Status]string{
	health.StatusHealthy:   ":white_check_mark:",
	health.StatusWarning:   ":warning:",
	health.StatusUnhealthy: ":x:",
}

var statusLabel = map[health.Status]string{
	health.StatusHealthy:   "Recovered",
	health.StatusWarning:   "Warning",
	health.StatusUnhealthy: "Unhealthy",
}

func dashboardURL(base, alertType, subject string) string {
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s/health/%s/%s", base, alertType, subject)
}

// BuildAlertMessage creates Block Kit blocks for one health.Alert.
func BuildAlertMessage(a health.Alert, dashboard string) []goslack.Block {
	emoji := statusEmoji[a.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := statusLabel[a.Status]
	if label == "" {
		label = string(a.Status)
	}

	headerText := fmt.Sprintf("%s *%s* — %s/%s", emoji, label, a.Type, a.Subject)
	if a.Message != "" {
		headerText += fmt.Sprintf("\n%s", truncate(a.Message))
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		),
	}

	if url := dashboardURL(dashboard, a.Type, a.Subject); url != "" {
		btn := goslack.NewButtonBlockElement("", "", goslack.NewTextBlockObject(goslack.PlainTextType, "View Details", false, false))
		btn.URL = url
		blocks = append(blocks, goslack.NewActionBlock("", btn))
	}

	return blocks
}

func truncate(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated)_"
}
