package commands

import (
	"strings"
)

// helpText renders markdown help: the command list, or details for one
// command or group.
func (m *Manager) helpText(topic string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	topic = normalizeRoute(strings.TrimPrefix(strings.TrimSpace(topic), "/"))
	if topic == "" {
		return m.helpTopLocked()
	}
	if c, ok := m.cmds[topic]; ok {
		return helpCommand(c)
	}
	var subs []string
	for _, route := range m.sortedRoutesLocked() {
		if strings.HasPrefix(route, topic+" ") {
			subs = append(subs, helpLine(m.cmds[route]))
		}
	}
	if len(subs) == 0 {
		return "❓ **Unknown command** `" + topic + "`\nType `/help` to list commands."
	}
	lines := []string{"📚 **/" + topic + "**"}
	if g, ok := m.groups[topic]; ok && g.Description != "" {
		lines = append(lines, g.Description)
	}
	lines = append(lines, "")
	return strings.Join(append(lines, subs...), "\n")
}

func (m *Manager) helpTopLocked() string {
	var public, admin []string
	for _, route := range m.sortedRoutesLocked() {
		c := m.cmds[route]
		if c.Access == AccessGuildAdmin {
			admin = append(admin, helpLine(c))
		} else {
			public = append(public, helpLine(c))
		}
	}
	lines := []string{"📚 **Commands**", "Type `/help <command>` for details.", ""}
	lines = append(lines, public...)
	if len(admin) > 0 {
		lines = append(lines, "", "🔒 **Server administration**")
		lines = append(lines, admin...)
	}
	return strings.Join(lines, "\n")
}

func helpLine(c Command) string {
	line := "`/" + c.Route + "`"
	if c.Description != "" {
		line += " - " + c.Description
	}
	return line
}

func helpCommand(c Command) string {
	lines := []string{"📖 **/" + c.Route + "**"}
	if c.Description != "" {
		lines = append(lines, c.Description)
	}
	usage := c.Usage
	if usage == "" {
		usage = "/" + c.Route
		for _, o := range c.Options {
			if o.Required {
				usage += " <" + o.Name + ">"
			} else {
				usage += " [" + o.Name + "]"
			}
		}
	}
	lines = append(lines, "", "Usage: `"+usage+"`")
	for _, o := range c.Options {
		lines = append(lines, "• `"+o.Name+"` "+o.Description)
	}
	if c.Access == AccessGuildAdmin {
		lines = append(lines, "", "🔒 Requires the Manage Server permission.")
	}
	return strings.Join(lines, "\n")
}
