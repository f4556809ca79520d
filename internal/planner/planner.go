// ABOUTME: Pure deployment planner: how many more identities a guild needs and which to invite
// ABOUTME: Validates the requested total and builds platform invite links for the chosen agents

package planner

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/bwmarrin/discordgo"

	"github.com/wokspec/chopsticks-fleet/internal/fault"
)

// Limits bound the requested deployment size.
type Limits struct {
	Step int // desired totals must be multiples of Step
	Min  int
	Max  int // per-guild cap per pool
}

// DefaultLimits allows 10, 20, 30 or 40 agents, never more than 49.
var DefaultLimits = Limits{Step: 10, Min: 10, Max: 49}

// invitePermissions are the guild permissions a music agent needs.
const invitePermissions = discordgo.PermissionViewChannel |
	discordgo.PermissionSendMessages |
	discordgo.PermissionVoiceConnect |
	discordgo.PermissionVoiceSpeak |
	discordgo.PermissionVoiceUseVAD

// PoolAgent is one identity of the pool being planned.
type PoolAgent struct {
	AgentID    string
	ClientID   string
	DisplayTag string
	Active     bool
}

// Request is everything Build needs.
type Request struct {
	GuildID      string
	PoolID       string
	DesiredTotal int
	Agents       []PoolAgent
	// Present holds the agent ids whose live connection claims GuildID.
	Present map[string]bool
}

// Invite is one identity to add to the guild.
type Invite struct {
	AgentID    string `json:"agent_id"`
	ClientID   string `json:"client_id"`
	DisplayTag string `json:"display_tag"`
	URL        string `json:"invite_url"`
}

// Plan is the outcome of Build. A short pool yields Partial with a Shortfall.
type Plan struct {
	GuildID      string   `json:"guild_id"`
	PoolID       string   `json:"pool_id"`
	DesiredTotal int      `json:"desired_total"`
	PresentCount int      `json:"present_count"`
	NeedInvites  int      `json:"need_invites"`
	Invites      []Invite `json:"invites"`
	Shortfall    int      `json:"shortfall"`
	Partial      bool     `json:"partial"`
}

// Validate checks desired against the limits.
func (l Limits) Validate(desired int) error {
	if desired < l.Min || desired > l.Max || desired%l.Step != 0 {
		return fault.Validation("desired total must be a multiple of %d between %d and %d", l.Step, l.Min, l.Max)
	}
	return nil
}

// Build computes the plan. It has no side effects.
func Build(limits Limits, req Request) (*Plan, error) {
	if req.GuildID == "" {
		return nil, fault.Validation("guild id is required")
	}
	if err := limits.Validate(req.DesiredTotal); err != nil {
		return nil, err
	}

	plan := &Plan{
		GuildID:      req.GuildID,
		PoolID:       req.PoolID,
		DesiredTotal: req.DesiredTotal,
		Invites:      []Invite{},
	}

	var candidates []PoolAgent
	for _, a := range req.Agents {
		if req.Present[a.AgentID] {
			plan.PresentCount++
			continue
		}
		if a.Active {
			candidates = append(candidates, a)
		}
	}

	plan.NeedInvites = max(0, req.DesiredTotal-plan.PresentCount)

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].AgentID < candidates[j].AgentID })
	for _, a := range candidates {
		if len(plan.Invites) == plan.NeedInvites {
			break
		}
		plan.Invites = append(plan.Invites, Invite{
			AgentID:    a.AgentID,
			ClientID:   a.ClientID,
			DisplayTag: a.DisplayTag,
			URL:        InviteURL(a.ClientID, req.GuildID),
		})
	}

	plan.Shortfall = plan.NeedInvites - len(plan.Invites)
	plan.Partial = plan.Shortfall > 0
	return plan, nil
}

// InviteURL builds the OAuth2 bot invite link for clientID preselecting guildID.
func InviteURL(clientID, guildID string) string {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("scope", "bot applications.commands")
	q.Set("permissions", strconv.FormatInt(invitePermissions, 10))
	if guildID != "" {
		q.Set("guild_id", guildID)
		q.Set("disable_guild_select", "true")
	}
	return fmt.Sprintf("https://discord.com/oauth2/authorize?%s", q.Encode())
}
