package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"chunkfs/internal/chunkserver"
	"chunkfs/internal/sysinfo"
)

func logStats(ctx context.Context, store *chunkserver.Store, iface string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st, err := sysinfo.Sample(ctx, store.Dir(), iface)
		if err != nil {
			log.Debug().Err(err).Msg("chunkserver: stats unavailable")
			continue
		}
		used, total := store.Usage()
		log.Info().
			Str("cpu", formatPercent(st.CPUPercent)).
			Str("ram", formatPercent(st.RAMPercent)).
			Str("disk", formatPercent(st.DiskPercent)).
			Str("rx", sysinfo.HumanBytes(st.RxPerSec)+"/s").
			Str("tx", sysinfo.HumanBytes(st.TxPerSec)+"/s").
			Str("chunks", sysinfo.HumanBytes(used)+" of "+sysinfo.HumanBytes(total)).
			Msg("chunkserver: stats")
	}
}

func formatPercent(p float64) string { return fmt.Sprintf("%.2f%%", p) }
