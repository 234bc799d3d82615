// Package agent 定义可付费调用的智能体记录，以及从静态文件加载的智能体目录。
//
// 智能体记录在调用期间只读：包含端点地址、调用类别（决定端点超时）、
// 收款地址、输入输出结构声明、价格与结算资产。注册与发现由外部市场负责，
// 本包只负责读取。
package agent
