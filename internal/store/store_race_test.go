package store

import (
	"fmt"
	"sync"
	"testing"

	"defi-risk-go/position"
)

// TestPositionStore_ConcurrentReplaceAndRead 并发替换快照与读取的安全性
func TestPositionStore_ConcurrentReplaceAndRead(t *testing.T) {
	st := New(nil)

	var wg sync.WaitGroup
	operations := 100

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				owner := fmt.Sprintf("0x%02d", workerID)
				st.Replace([]position.Position{
					{UserAddress: owner, Protocol: "beefy"},
					{UserAddress: owner, Protocol: "lido"},
				})
			}
		}(i)
	}

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				for _, owner := range st.Owners() {
					// 每次替换都是完整快照，读到的持有人必定有两条仓位
					if n := len(st.Positions(owner)); n != 0 && n != 2 {
						t.Errorf("torn snapshot: %d positions", n)
					}
				}
				_ = st.Len()
				_ = st.LoadedAt()
			}
		}()
	}

	wg.Wait()

	if st.Len() != 2 {
		t.Errorf("final len = %d, want 2", st.Len())
	}
}
