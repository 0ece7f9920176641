package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gaia/synergy-engine/internal/catalog"
)

var catalogPath string

// catalogCmd validates a catalog file and prints what it defines
var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Validate a synergy catalog and print a summary",
	Long: `Load a catalog (the embedded default unless --file or CATALOG_PATH is
given), validate every definition and print a summary of synergies,
skill transfers, campaigns, missions and badges.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := catalogPath
		if path == "" {
			path = os.Getenv("CATALOG_PATH")
		}
		cat, err := loadCatalog(path)
		if err != nil {
			return err
		}
		printCatalog(cmd.OutOrStdout(), cat, time.Now().UTC())
		return nil
	},
}

func init() {
	catalogCmd.Flags().StringVarP(&catalogPath, "file", "f", "", "catalog YAML file")
}

func printCatalog(w io.Writer, cat *catalog.Catalog, now time.Time) {
	fmt.Fprintf(w, "Synergies (%d)\n", len(cat.Synergies()))
	for _, s := range cat.Synergies() {
		line := fmt.Sprintf("  %s -> %s  rate=%s bonus=%s", s.SourceProject, s.TargetProject, s.ExchangeRate, s.BonusMultiplier)
		if len(s.UnlockConditions) > 0 {
			conds := make([]string, len(s.UnlockConditions))
			for i, c := range s.UnlockConditions {
				conds[i] = c.String()
			}
			line += "  locked: " + strings.Join(conds, "; ")
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintf(w, "Skill transfers (%d)\n", len(cat.SkillTransfers()))
	for _, st := range cat.SkillTransfers() {
		fmt.Fprintf(w, "  %s  %s -> %s  level>=%d +%s%%\n", st.ID, st.SourceProject, st.Target, st.Level, st.BonusPercentage)
	}

	fmt.Fprintf(w, "Campaigns (%d, %d active)\n", len(cat.Events()), len(cat.ActiveEvents(now)))
	for _, e := range cat.Events() {
		fmt.Fprintf(w, "  %s  x%s  %s .. %s\n", e.ID, e.Multiplier, e.StartDate.Format(time.DateOnly), e.EndDate.Format(time.DateOnly))
	}

	fmt.Fprintf(w, "Missions (%d)\n", len(cat.Missions()))
	for _, m := range cat.Missions() {
		fmt.Fprintf(w, "  %s  cap=%d points=%d ends %s\n", m.ID, m.MaxParticipants, m.HarmonyPointsReward, m.ExpiresAt().Format(time.RFC3339))
	}

	fmt.Fprintf(w, "Badges (%d)\n", len(cat.Badges()))
	for _, b := range cat.Badges() {
		fmt.Fprintf(w, "  %s  points>=%d projects=%d\n", b.BadgeID, b.HarmonyPointsRequired, len(b.ProjectsRequired))
	}
}
