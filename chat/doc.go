// Package chat owns the single authenticated connection to Discord.
//
// It provides:
//   - Session: the capability consumed by the provisioner and the membership
//     synchronizer (role, channel, permission-overwrite and member operations
//     against the one managed guild).
//   - Connect: validates the bot token, selects the managed guild and opens the
//     gateway so member-join events can be observed via OnMemberJoin.
//   - Classify: labels remote failures as retryable or fatal for reconciliation.
//
// Guild selection: when DISCORD_GUILD_ID is configured the bot must be able to
// see that guild. Without it exactly one visible guild is required; a bot that
// can see several guilds fails fast with ErrAmbiguousGuild instead of guessing.
//
// Every remote call is bounded by the per-call timeout passed in Options.
package chat
