package api

import (
	"net/http"
	"time"

	"infinite-experiment/warden/internal/db/repositories"
	"infinite-experiment/warden/internal/logging"
	gormModels "infinite-experiment/warden/internal/models/gorm"

	"gorm.io/gorm"
)

type MuteView struct {
	UserID     string     `json:"user_id"`
	Infinite   bool       `json:"infinite"`
	MutedUntil *time.Time `json:"muted_until,omitempty"`
	ChannelID  *string    `json:"channel_id,omitempty"`
}

type GuildMutesResponse struct {
	GuildID    string     `json:"guild_id"`
	Configured bool       `json:"configured"`
	RoleID     string     `json:"role_id,omitempty"`
	Mutes      []MuteView `json:"mutes"`
}

type VerificationView struct {
	UserID   string     `json:"user_id"`
	JoinedAt time.Time  `json:"joined_at"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

type GuildVerificationsResponse struct {
	GuildID        string             `json:"guild_id"`
	Configured     bool               `json:"configured"`
	RoleID         string             `json:"role_id,omitempty"`
	TimeoutSeconds int64              `json:"timeout_seconds,omitempty"`
	Pending        []VerificationView `json:"pending"`
}

// GuildMutes handles GET /api/v1/guilds/{guildID}/mutes
func (h *Handlers) GuildMutes() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		guildID, ok := guildParam(w, r)
		if !ok {
			return
		}

		resp := GuildMutesResponse{GuildID: guildID, Mutes: []MuteView{}}
		err := h.deps.Registry.Scope(r.Context(), func(tx *gorm.DB) error {
			repo := repositories.NewMuteRepo(tx)
			cfg, err := repo.GetGuild(r.Context(), guildID)
			if err != nil || cfg == nil {
				return err
			}
			resp.Configured = true
			resp.RoleID = cfg.RoleID

			records, err := repo.ListByGuild(r.Context(), guildID)
			if err != nil {
				return err
			}
			for _, rec := range records {
				resp.Mutes = append(resp.Mutes, MuteView{
					UserID:     rec.UserID,
					Infinite:   rec.IsInfinite(),
					MutedUntil: rec.MutedUntil,
					ChannelID:  rec.ChannelID,
				})
			}
			return nil
		})
		if err != nil {
			logging.Error("Failed to list mutes", "guild_id", guildID, "error", err)
			respondWithError(w, http.StatusInternalServerError, "Failed to list mutes")
			return
		}

		respondWithSuccess(w, http.StatusOK, &resp)
	}
}

// GuildVerifications handles GET /api/v1/guilds/{guildID}/verifications
func (h *Handlers) GuildVerifications() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		guildID, ok := guildParam(w, r)
		if !ok {
			return
		}

		resp := GuildVerificationsResponse{GuildID: guildID, Pending: []VerificationView{}}
		err := h.deps.Registry.Scope(r.Context(), func(tx *gorm.DB) error {
			repo := repositories.NewVerificationRepo(tx)
			cfg, err := repo.GetGuild(r.Context(), guildID)
			if err != nil || cfg == nil {
				return err
			}
			resp.Configured = true
			resp.RoleID = cfg.RoleID
			resp.TimeoutSeconds = int64(cfg.Timeout() / time.Second)

			records, err := repo.ListByGuild(r.Context(), guildID)
			if err != nil {
				return err
			}
			for _, rec := range records {
				resp.Pending = append(resp.Pending, verificationView(rec, cfg))
			}
			return nil
		})
		if err != nil {
			logging.Error("Failed to list verifications", "guild_id", guildID, "error", err)
			respondWithError(w, http.StatusInternalServerError, "Failed to list verifications")
			return
		}

		respondWithSuccess(w, http.StatusOK, &resp)
	}
}

func verificationView(rec gormModels.VerificationRecord, cfg *gormModels.VerificationGuild) VerificationView {
	v := VerificationView{UserID: rec.UserID, JoinedAt: rec.JoinedAt}
	if timeout := cfg.Timeout(); timeout > 0 {
		deadline := rec.JoinedAt.Add(timeout)
		v.Deadline = &deadline
	}
	return v
}
