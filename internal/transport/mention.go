package transport

// Mention renders a user mention ("<@id>").
func (u *User) Mention() string {
	if u == nil || u.ID == "" {
		return "Unknown"
	}
	return "<@" + u.ID + ">"
}

// DisplayName prefers the global display name over the username.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// ChannelMention renders a channel mention ("<#id>").
func ChannelMention(channelID string) string {
	if channelID == "" {
		return "Unknown"
	}
	return "<#" + channelID + ">"
}

// MessageLink builds a jump link to a guild message.
func MessageLink(guildID, channelID, messageID string) string {
	return "https://discord.com/channels/" + guildID + "/" + channelID + "/" + messageID
}
