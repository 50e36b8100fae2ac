package constants

const (
	ImageWidth    int = 150
	ImageHeight   int = 150
	ImageChannels int = 3

	TrainSamples      int = 2000
	ValidationSamples int = 800
	Epochs            int = 50
	BatchSize         int = 16

	TrainDir      string = "/learn/data/train"
	ValidationDir string = "/learn/data/validation"
	OutputDir     string = "/learn/output"

	ScratchWeightsFile     string = "first_try.weights"
	TrainFeaturesFile      string = "bottleneck_features_train.feat"
	ValidationFeaturesFile string = "bottleneck_features_validation.feat"
	TopModelWeightsFile    string = "bottleneck_fc_model.weights"
	FineTunedWeightsFile   string = "fine_tuned_model.weights"
	ResultsFile            string = "results.yaml"

	BackboneWeightsFile  string = "/learn/backbone/vgg16_notop.weights"
	FineTuneFrozenLayers int    = 14

	Rescale    float64 = 1. / 255
	ShearRange float64 = 0.2
	ZoomRange  float64 = 0.2

	RMSpropLearningRate  float64 = 1e-3
	FineTuneLearningRate float64 = 1e-4
	FineTuneMomentum     float64 = 0.9
	FineTuneL2           float64 = 0.0002
	DropoutRate          float64 = 0.5

	DefaultModelName string = "default"
	ModelsPath       string = "/learn/models"
	ListenAddr       string = ":18090"
	TrainEpochs      int    = 10
)
