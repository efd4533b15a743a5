package celengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEngine_Evaluate(t *testing.T) {
	e, err := NewCouponEngine()
	require.NoError(t, err)

	attrs := map[string]any{
		VarUserID: "u1",
		VarPlanID: "premium",
		VarAmount: 120.0,
	}

	ok, err := e.Evaluate(`plan_id == "premium" && amount >= 100.0`, attrs)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.Evaluate(`amount > 500.0`, attrs)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = e.Evaluate("", attrs)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEngine_Validate(t *testing.T) {
	e, err := NewCouponEngine()
	require.NoError(t, err)

	require.NoError(t, e.Validate(`user_id.startsWith("vip_")`))
	require.Error(t, e.Validate(`unknown_var == 1`))
	require.Error(t, e.Validate(`amount + 1.0`), "non-bool output")
	require.Error(t, e.Validate(`plan_id ==`))
}
