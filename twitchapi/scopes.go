package twitchapi

// Known Twitch OAuth scopes. Configuration may name any of these explicitly
// or use the "all_scopes" shorthand, which expands to the full catalog.
const (
	ScopeAnalyticsReadExtensions  = "analytics:read:extensions"
	ScopeAnalyticsReadGames       = "analytics:read:games"
	ScopeBitsRead                 = "bits:read"
	ScopeChannelReadSubscriptions = "channel:read:subscriptions"
	ScopeChannelReadStreamKey     = "channel:read:stream_key"
	ScopeChannelEditCommercial    = "channel:edit:commercial"
	ScopeChannelReadHypeTrain     = "channel:read:hype_train"
	ScopeChannelManageBroadcast   = "channel:manage:broadcast"
	ScopeChannelReadRedemptions   = "channel:read:redemptions"
	ScopeChannelManageRedemptions = "channel:manage:redemptions"
	ScopeClipsEdit                = "clips:edit"
	ScopeUserEdit                 = "user:edit"
	ScopeUserEditBroadcast        = "user:edit:broadcast"
	ScopeUserReadBroadcast        = "user:read:broadcast"
	ScopeUserReadEmail            = "user:read:email"
	ScopeUserEditFollows          = "user:edit:follows"
	ScopeChannelModerate          = "channel:moderate"
	ScopeChatEdit                 = "chat:edit"
	ScopeChatRead                 = "chat:read"
	ScopeWhispersRead             = "whispers:read"
	ScopeWhispersEdit             = "whispers:edit"
	ScopeModerationRead           = "moderation:read"
	ScopeChannelSubscriptions     = "channel_subscriptions"
	ScopeChannelReadEditors       = "channel:read:editors"
	ScopeChannelManageVideos      = "channel:manage:videos"
	ScopeUserReadBlockedUsers     = "user:read:blocked_users"
	ScopeUserManageBlockedUsers   = "user:manage:blocked_users"
	ScopeUserReadSubscriptions    = "user:read:subscriptions"
	ScopeUserReadFollows          = "user:read:follows"
	ScopeChannelReadGoals         = "channel:read:goals"
	ScopeChannelReadPolls         = "channel:read:polls"
	ScopeChannelManagePolls       = "channel:manage:polls"
	ScopeChannelReadPredictions   = "channel:read:predictions"
	ScopeChannelManagePredictions = "channel:manage:predictions"
	ScopeModeratorManageAutomod   = "moderator:manage:automod"
)

// ScopeAll is the configuration shorthand for the full scope catalog.
const ScopeAll = "all_scopes"

// AllScopes returns the full known scope catalog, in a stable order.
func AllScopes() []string {
	return []string{
		ScopeAnalyticsReadExtensions,
		ScopeAnalyticsReadGames,
		ScopeBitsRead,
		ScopeChannelReadSubscriptions,
		ScopeChannelReadStreamKey,
		ScopeChannelEditCommercial,
		ScopeChannelReadHypeTrain,
		ScopeChannelManageBroadcast,
		ScopeChannelReadRedemptions,
		ScopeChannelManageRedemptions,
		ScopeClipsEdit,
		ScopeUserEdit,
		ScopeUserEditBroadcast,
		ScopeUserReadBroadcast,
		ScopeUserReadEmail,
		ScopeUserEditFollows,
		ScopeChannelModerate,
		ScopeChatEdit,
		ScopeChatRead,
		ScopeWhispersRead,
		ScopeWhispersEdit,
		ScopeModerationRead,
		ScopeChannelSubscriptions,
		ScopeChannelReadEditors,
		ScopeChannelManageVideos,
		ScopeUserReadBlockedUsers,
		ScopeUserManageBlockedUsers,
		ScopeUserReadSubscriptions,
		ScopeUserReadFollows,
		ScopeChannelReadGoals,
		ScopeChannelReadPolls,
		ScopeChannelManagePolls,
		ScopeChannelReadPredictions,
		ScopeChannelManagePredictions,
		ScopeModeratorManageAutomod,
	}
}

// ExpandScopes resolves the "all_scopes" shorthand and removes duplicates
// while preserving the order scopes were first named. An empty input expands
// to the full catalog, matching the legacy runtime's behavior.
func ExpandScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return AllScopes()
	}
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	add := func(s string) {
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, s := range scopes {
		if s == ScopeAll {
			for _, all := range AllScopes() {
				add(all)
			}
			continue
		}
		add(s)
	}
	return out
}
