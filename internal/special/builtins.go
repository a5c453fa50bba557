package special

import (
	"context"

	"github.com/vk/distillgo/internal/registry"
)

// RegisterBuiltins registers every built-in wrapper family under its type
// name. Call it once during process initialization, before any custom
// registrations so those can override built-ins.
func RegisterBuiltins(ctx context.Context, r *registry.Registry) {
	r.Register(ctx, "EmptyModule", buildEmptyModule)
	r.Register(ctx, "Teacher4FactorTransfer", buildTeacherFactorTransfer)
	r.Register(ctx, "Student4FactorTransfer", buildStudentFactorTransfer)
	r.Register(ctx, "Connector4DAB", buildConnectorDAB)
	r.Register(ctx, "ChannelSimilarityEmbed", buildChannelSimilarityEmbed)
	r.Register(ctx, "AttnEmbed", buildAttnEmbed)
	r.Register(ctx, "ViTEmbed", buildViTEmbed)
	r.Register(ctx, "VariationalDistributor4VID", buildVariationalDistributorVID)
	r.Register(ctx, "Linear4CCKD", buildLinearCCKD)
	r.Register(ctx, "Linear4CRD", buildLinearCRD)
	r.Register(ctx, "HeadRCNN", buildHeadRCNN)
	r.Register(ctx, "SSWrapper4SSKD", buildSSWrapperSSKD)
	r.Register(ctx, "VarianceBranch4PAD", buildVarianceBranchPAD)
}
